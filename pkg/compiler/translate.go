package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nexia/flowengine/pkg/models"
)

const (
	defaultMessageText  = "Mensaje"
	defaultDelaySeconds = 10
	defaultAttributeKey = "tag"
	defaultTagValue     = "tagged"
)

var (
	delayPattern    = regexp.MustCompile(`(?i)(\d+)(?:\s*(ms|mins?|m|secs?|s))?`)
	tagLabelPrefix  = regexp.MustCompile(`(?i)^tag:\s*`)
	tagDescription  = regexp.MustCompile(`(?i)tag[:\s]`)
	tagValuePattern = regexp.MustCompile(`(?i)tag[:\s]*([\w-]+)`)
)

// translate maps one editor node to its step. Nodes that produce no step
// (triggers met mid-chain, unsupported types) return false.
func (c *compilation) translate(node *models.EditorNode) (models.Step, bool) {
	switch node.Type {
	case models.EditorNodeMessage, models.EditorNodeAction:
		return models.SendText(messageText(node.Data)), true
	case models.EditorNodeDelay:
		return c.delayStep(node), true
	case models.EditorNodeSetAttribute, models.EditorNodeTag:
		return attributeStep(node.Data), true
	case models.EditorNodeWaitForReply:
		return c.waitForReplyStep(node), true
	case models.EditorNodeWebhook:
		return c.webhookStep(node), true
	case models.EditorNodeTrigger:
		return models.Step{}, false
	default:
		c.warn(CodeUnsupportedNode, node.ID, fmt.Sprintf("node type %q is not supported and was skipped", node.Type))

		return models.Step{}, false
	}
}

func messageText(data models.NodeData) string {
	if text := data.Text("description"); text != "" {
		return text
	}

	if label := data.Text("label"); label != "" {
		return label
	}

	return defaultMessageText
}

func (c *compilation) delayStep(node *models.EditorNode) models.Step {
	seconds, ok := parseDelaySeconds(node.Data.Text("description"))
	if !ok {
		c.diags = append(c.diags, models.Diagnostic{
			Code:     CodeDelayDefaulted,
			Severity: models.SeverityInfo,
			NodeID:   node.ID,
			Message:  fmt.Sprintf("delay has no duration; defaulting to %d seconds", defaultDelaySeconds),
		})

		seconds = defaultDelaySeconds
	}

	return models.Step{Type: models.StepTypeWait, Seconds: seconds}
}

// parseDelaySeconds reads the first integer of text with an optional unit.
// Bare numbers are seconds; milliseconds round down with a floor of one second.
func parseDelaySeconds(text string) (int, bool) {
	match := delayPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}

	switch strings.ToLower(match[2]) {
	case "m", "min", "mins":
		return n * 60, true
	case "ms":
		return max(1, n/1000), true
	default:
		return n, true
	}
}

func attributeStep(data models.NodeData) models.Step {
	key := strings.TrimSpace(data.Text("key"))
	if key == "" {
		key = defaultAttributeKey
	}

	return models.Step{Type: models.StepTypeSetAttribute, Key: key, Value: attributeValue(data)}
}

func attributeValue(data models.NodeData) string {
	if value := strings.TrimSpace(data.Text("value")); value != "" {
		return value
	}

	if label := strings.TrimSpace(tagLabelPrefix.ReplaceAllString(data.Text("label"), "")); label != "" {
		return label
	}

	description := data.Text("description")
	if tagDescription.MatchString(description) {
		if match := tagValuePattern.FindStringSubmatch(description); match != nil {
			return match[1]
		}
	}

	return defaultTagValue
}

func (c *compilation) waitForReplyStep(node *models.EditorNode) models.Step {
	step := models.Step{
		Type:    models.StepTypeWaitForReply,
		Pattern: strings.TrimSpace(node.Data.Text("pattern")),
	}

	if step.Pattern != "" {
		if _, err := regexp.Compile(step.Pattern); err != nil {
			c.warn(CodeInvalidPattern, node.ID, fmt.Sprintf("pattern %q does not compile: %v", step.Pattern, err))
		}
	}

	if seconds, ok := node.Data.Number("seconds"); ok {
		if rounded := int(math.Round(seconds)); rounded > 0 {
			step.Seconds = rounded
		}
	}

	step.TimeoutPath = strings.TrimSpace(node.Data.Text("timeoutPath"))
	if step.TimeoutPath == "" {
		step.TimeoutPath = strings.TrimSpace(node.Data.Text("timeout_path"))
	}

	return step
}

func (c *compilation) webhookStep(node *models.EditorNode) models.Step {
	data := &models.WebhookData{URL: strings.TrimSpace(node.Data.Text("url"))}

	if data.URL == "" {
		c.diags = append(c.diags, models.Diagnostic{
			Code:     CodeMissingWebhookURL,
			Severity: models.SeverityInfo,
			NodeID:   node.ID,
			Message:  "webhook has no url; the event is delivered to the organization's webhook endpoints",
		})
	}

	if payload, ok := c.webhookPayload(node); ok {
		data.Payload = payload
	}

	if metadata, ok := node.Data.Object("metadata"); ok {
		data.Metadata = metadata
	}

	return models.Step{Type: models.StepTypeAction, Action: models.ActionWebhook, Data: data}
}

// webhookPayload accepts either an object or a JSON document held in a string.
func (c *compilation) webhookPayload(node *models.EditorNode) (any, bool) {
	if !node.Data.Has("payload") {
		return nil, false
	}

	raw := node.Data["payload"]

	text, isString := raw.(string)
	if !isString {
		if _, isObject := raw.(map[string]any); isObject {
			return raw, true
		}

		c.warn(CodeInvalidPayload, node.ID, "webhook payload must be an object or a JSON string; it was omitted")

		return nil, false
	}

	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		c.warn(CodeInvalidPayload, node.ID, fmt.Sprintf("webhook payload is not valid JSON and was omitted: %v", err))

		return nil, false
	}

	return parsed, true
}

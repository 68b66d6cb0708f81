package models

// Well-known path keys emitted by the compiler.
const (
	PathDefault = "path_default"
	PathYes     = "path_yes"
	PathNo      = "path_no"
)

// Intent keys understood by the intent mapping.
const (
	IntentDefault  = "default"
	IntentGreeting = "greeting"
	IntentPricing  = "pricing"
)

// Declarative node types of a compiled graph.
const (
	GraphNodeTrigger = "trigger"
	GraphNodeIntent  = "intent"
)

// TriggerMessageIn is the only trigger event the engine starts runs on.
const TriggerMessageIn = "message_in"

// StepType discriminates the Step variant.
type StepType string

const (
	StepTypeAction       StepType = "action"
	StepTypeWait         StepType = "wait"
	StepTypeSetAttribute StepType = "set_attribute"
	StepTypeWaitForReply StepType = "wait_for_reply"
)

// ActionType names the side effect of an action step.
type ActionType string

const (
	ActionSendText ActionType = "send_text"
	ActionWebhook  ActionType = "webhook"
)

// CompiledGraph is the immutable executable program produced by the compiler.
// Its JSON form is the graph accepted by the flow publish API.
type CompiledGraph struct {
	Name  string            `json:"name"`
	Nodes []GraphNode       `json:"nodes"`
	Paths map[string][]Step `json:"paths"`
}

// GraphNode is a declarative entry node: a trigger or an intent mapping.
type GraphNode struct {
	ID   string        `json:"id"`
	Type string        `json:"type"`
	On   string        `json:"on,omitempty"`
	Map  IntentMapping `json:"map,omitempty"`
}

// Step is one executable unit of a path. Only the fields relevant to Type
// (and Action, for action steps) are populated.
type Step struct {
	Type        StepType     `json:"type"`
	Action      ActionType   `json:"action,omitempty"`
	Text        string       `json:"text,omitempty"`
	Data        *WebhookData `json:"data,omitempty"`
	Seconds     int          `json:"seconds,omitempty"`
	Key         string       `json:"key,omitempty"`
	Value       string       `json:"value,omitempty"`
	Pattern     string       `json:"pattern,omitempty"`
	TimeoutPath string       `json:"timeout_path,omitempty"`
}

// WebhookData is the body of a webhook action.
type WebhookData struct {
	URL      string         `json:"url,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IntentMapping maps an intent key to a path key.
type IntentMapping map[string]string

// Resolve returns the path for intent, falling back to the default intent and
// then to PathDefault.
func (m IntentMapping) Resolve(intent string) string {
	if path, ok := m[intent]; ok && path != "" {
		return path
	}

	if path, ok := m[IntentDefault]; ok && path != "" {
		return path
	}

	return PathDefault
}

// IntentMap returns the mapping of the first intent node, or nil.
func (g *CompiledGraph) IntentMap() IntentMapping {
	if g == nil {
		return nil
	}

	for _, node := range g.Nodes {
		if node.Type == GraphNodeIntent && node.Map != nil {
			return node.Map
		}
	}

	return nil
}

// Path returns the steps of a path and whether it exists.
func (g *CompiledGraph) Path(key string) ([]Step, bool) {
	if g == nil || g.Paths == nil {
		return nil, false
	}

	steps, ok := g.Paths[key]

	return steps, ok
}

// SendText builds a send_text action step.
func SendText(text string) Step {
	return Step{Type: StepTypeAction, Action: ActionSendText, Text: text}
}

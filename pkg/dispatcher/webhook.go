package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
)

const (
	SignatureHeader  = "X-NexIA-Signature-256"
	webhookEventType = "flow.webhook"
)

// WebhookEnvelope is the JSON body posted to webhook URLs.
type WebhookEnvelope struct {
	Type  string      `json:"type"`
	Data  WebhookBody `json:"data"`
	OrgID string      `json:"org_id,omitempty"`
	TS    int64       `json:"ts"`
}

type WebhookBody struct {
	ConversationID string            `json:"conversation_id"`
	RunID          string            `json:"run_id"`
	Path           string            `json:"path"`
	Cursor         int               `json:"cursor"`
	Payload        any               `json:"payload,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// HTTPWebhookSender posts webhook steps that name a URL and publishes the
// others as flow.webhook events for the organization's endpoints.
type HTTPWebhookSender struct {
	client    *resty.Client
	secret    []byte
	publisher eventbus.EventPublisher
	now       func() time.Time
}

func NewHTTPWebhookSender(secret string, timeout time.Duration, publisher eventbus.EventPublisher) *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client:    newRestyClient(timeout),
		secret:    []byte(secret),
		publisher: publisher,
		now:       time.Now,
	}
}

func (s *HTTPWebhookSender) SendWebhook(ctx context.Context, call WebhookCall) error {
	body := WebhookBody{
		ConversationID: call.ConversationID,
		RunID:          call.RunID,
		Path:           call.Path,
		Cursor:         call.Cursor,
		Attributes:     call.Attributes,
	}

	url := ""
	if call.Data != nil {
		url = call.Data.URL
		body.Payload = call.Data.Payload
		body.Metadata = call.Data.Metadata
	}

	if url == "" {
		return s.publish(ctx, call, body)
	}

	data, err := json.Marshal(WebhookEnvelope{
		Type:  webhookEventType,
		Data:  body,
		OrgID: call.OrgID,
		TS:    s.now().UnixMilli(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("encode webhook body: %w", err))
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, call.IdempotencyKey).
		SetBody(data)

	if len(s.secret) > 0 {
		req.SetHeader(SignatureHeader, "sha256="+Sign(s.secret, data))
	}

	resp, err := req.Post(url)
	if err != nil {
		return Retryable(fmt.Errorf("post webhook: %w", err))
	}

	return classifyResponse(resp)
}

func (s *HTTPWebhookSender) publish(ctx context.Context, call WebhookCall, body WebhookBody) error {
	if s.publisher == nil {
		return Permanent(fmt.Errorf("webhook step of run %s has no url", call.RunID))
	}

	event := events.FlowWebhook{
		BaseEvent: events.BaseEvent{
			ID:             call.IdempotencyKey,
			Type:           events.FlowWebhookEvent,
			Timestamp:      s.now().UTC(),
			ConversationID: call.ConversationID,
		},
		OrgID:          call.OrgID,
		RunID:          call.RunID,
		IdempotencyKey: call.IdempotencyKey,
		Payload:        body.Payload,
		Context: map[string]any{
			"path":       body.Path,
			"cursor":     body.Cursor,
			"metadata":   body.Metadata,
			"attributes": body.Attributes,
		},
	}

	err := s.publisher.Publish(ctx, call.ConversationID, event)
	if err != nil {
		return Retryable(fmt.Errorf("publish webhook event: %w", err))
	}

	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

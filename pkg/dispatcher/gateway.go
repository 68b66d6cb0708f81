package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewaySender posts outbound text to the messaging gateway's send API.
type GatewaySender struct {
	client  *resty.Client
	baseURL string
}

type gatewayMessage struct {
	ChannelID string `json:"channel_id,omitempty"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	ClientID  string `json:"client_id"`
	OrgID     string `json:"org_id,omitempty"`
}

type gatewayError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func NewGatewaySender(baseURL string, timeout time.Duration) *GatewaySender {
	return &GatewaySender{
		client:  newRestyClient(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *GatewaySender) SendText(ctx context.Context, msg OutboundText) error {
	var failure gatewayError

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, msg.IdempotencyKey).
		SetBody(gatewayMessage{
			ChannelID: msg.ChannelID,
			To:        msg.To,
			Type:      "text",
			Text:      msg.Text,
			ClientID:  msg.IdempotencyKey,
			OrgID:     msg.OrgID,
		}).
		SetError(&failure).
		Post(s.baseURL + "/api/messages/send")
	if err != nil {
		return Retryable(fmt.Errorf("send message to gateway: %w", err))
	}

	if resp.StatusCode() == http.StatusUnprocessableEntity && isWindowViolation(failure, resp.String()) {
		return WithCode(fmt.Errorf("gateway refused free text: %w", ErrOutsideWindow), CodeOutsideWindow)
	}

	return classifyResponse(resp)
}

func isWindowViolation(failure gatewayError, body string) bool {
	for _, v := range []string{failure.Code, failure.Detail, failure.Type, body} {
		if strings.Contains(strings.ToLower(v), CodeOutsideWindow) {
			return true
		}
	}

	return false
}

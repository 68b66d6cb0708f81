package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/models"
)

func TestEvents_GetType(t *testing.T) {
	tests := []struct {
		event interface{ GetType() EventType }
		want  EventType
	}{
		{event: InboundMessage{}, want: "conversation.message.inbound"},
		{event: RunStartRequested{}, want: "run.start.requested"},
		{event: RunCancelRequested{}, want: "run.cancel.requested"},
		{event: RunTimerFired{}, want: "run.timer.fired"},
		{event: RunStatusChanged{}, want: "run.status.changed"},
		{event: OutboundMessage{}, want: "message.outbound"},
		{event: FlowWebhook{}, want: "flow.webhook"},
		{event: ContactAttributesChanged{}, want: "contact.attributes.changed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.GetType())
		})
	}
}

func TestNewBaseEvent(t *testing.T) {
	base := NewBaseEvent(InboundMessageEvent, "conv-1")

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, base.ID, base.EventID())
	assert.Equal(t, InboundMessageEvent, base.Type)
	assert.Equal(t, "conv-1", base.ConversationID)
	assert.Equal(t, time.UTC, base.Timestamp.Location())
	assert.NotNil(t, base.Metadata)
}

func TestRunStatusChanged_WireFormat(t *testing.T) {
	event := RunStatusChanged{
		BaseEvent:      NewBaseEvent(RunStatusChangedEvent, "conv-1"),
		RunID:          "run-1",
		GraphName:      "Welcome",
		GraphVersion:   3,
		Status:         models.RunStatusFailed,
		PreviousStatus: models.RunStatusRunning,
		Path:           models.PathDefault,
		Cursor:         1,
		ErrorCode:      "outside-24h-window",
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"conversation_id":"conv-1"`)
	assert.Contains(t, string(data), `"status":"failed"`)
	assert.Contains(t, string(data), `"previous_status":"running"`)
	assert.Contains(t, string(data), `"error_code":"outside-24h-window"`)
	assert.NotContains(t, string(data), `"error":`)
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nexia/flowengine/pkg/dispatcher"
)

// MockMessageSender is a mock implementation of dispatcher.MessageSender interface.
type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) SendText(ctx context.Context, msg dispatcher.OutboundText) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}

// MockWebhookSender is a mock implementation of dispatcher.WebhookSender interface.
type MockWebhookSender struct {
	mock.Mock
}

func (m *MockWebhookSender) SendWebhook(ctx context.Context, call dispatcher.WebhookCall) error {
	args := m.Called(ctx, call)

	return args.Error(0)
}

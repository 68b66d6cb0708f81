package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/nexia/flowengine/pkg/models"
)

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Load(ctx context.Context, conversationID string) (*models.ConversationRun, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ConversationRun), args.Error(1)
}

func (m *MockRunRepository) Get(ctx context.Context, runID string) (*models.ConversationRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ConversationRun), args.Error(1)
}

func (m *MockRunRepository) Save(ctx context.Context, run *models.ConversationRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ConversationRun, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ConversationRun), args.Error(1)
}

func (m *MockRunRepository) MarkMessageProcessed(ctx context.Context, conversationID, messageID string, window time.Duration) (bool, error) {
	args := m.Called(ctx, conversationID, messageID, window)

	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) ForgetMessage(ctx context.Context, conversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)

	return args.Error(0)
}

// MockDeadLetterRepository is a mock implementation of persistence.DeadLetterRepository interface.
type MockDeadLetterRepository struct {
	mock.Mock
}

func (m *MockDeadLetterRepository) Add(ctx context.Context, letter *models.DeadLetter) error {
	args := m.Called(ctx, letter)

	return args.Error(0)
}

func (m *MockDeadLetterRepository) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DeadLetter), args.Error(1)
}

func (m *MockDeadLetterRepository) List(ctx context.Context, status models.DeadLetterStatus) ([]*models.DeadLetter, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DeadLetter), args.Error(1)
}

func (m *MockDeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

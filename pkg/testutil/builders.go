// Package testutil provides test data builders and a conformance suite for
// persistence backends.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/models"
)

// CreateTestGraph returns a graph with a primary path, an OTP wait with a
// timeout path and a webhook.
func CreateTestGraph(overrides ...func(*models.CompiledGraph)) *models.CompiledGraph {
	graph := &models.CompiledGraph{
		Name: "Test Flow",
		Nodes: []models.GraphNode{
			{ID: "t1", Type: models.GraphNodeTrigger, On: models.TriggerMessageIn},
			{ID: "i1", Type: models.GraphNodeIntent, Map: models.IntentMapping{
				models.IntentDefault:  models.PathDefault,
				models.IntentGreeting: models.PathDefault,
				models.IntentPricing:  models.PathDefault,
			}},
		},
		Paths: map[string][]models.Step{
			models.PathDefault: {
				models.SendText("Send the 6 digit code"),
				{Type: models.StepTypeWaitForReply, Pattern: `\d{6}`, Seconds: 60, TimeoutPath: "path_timeout"},
				{Type: models.StepTypeSetAttribute, Key: "verified", Value: "yes"},
				models.SendText("Verified"),
			},
			"path_timeout": {
				models.SendText("Too slow"),
			},
		},
	}

	for _, override := range overrides {
		override(graph)
	}

	return graph
}

// CreateTestFlow creates an active flow owned by orgID.
func CreateTestFlow(orgID string, overrides ...func(*models.Flow)) *models.Flow {
	flow := &models.Flow{
		OrgID:  orgID,
		Name:   "Test Flow",
		Status: models.FlowStatusActive,
		Graph:  CreateTestGraph(),
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// CreateTestRun creates a new running run at the start of path_default.
func CreateTestRun(conversationID string, overrides ...func(*models.ConversationRun)) *models.ConversationRun {
	now := time.Now().UTC()

	run := &models.ConversationRun{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		OrgID:          "org-1",
		Contact:        "+5215550000000",
		GraphName:      "Test Flow",
		GraphVersion:   1,
		Intent:         models.IntentDefault,
		CurrentPath:    models.PathDefault,
		Status:         models.RunStatusRunning,
		Attributes:     map[string]string{},
		LastInboundAt:  &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// WithWait puts the run in status waiting until deadline.
func WithWait(status models.RunStatus, deadline time.Time) func(*models.ConversationRun) {
	return func(r *models.ConversationRun) {
		r.Status = status
		r.WaitDeadline = &deadline
	}
}

// WithFinished marks the run terminal.
func WithFinished(status models.RunStatus, at time.Time) func(*models.ConversationRun) {
	return func(r *models.ConversationRun) {
		r.Finish(status, at)
	}
}

// CreateTestDeadLetter creates a pending webhook dead letter.
func CreateTestDeadLetter(overrides ...func(*models.DeadLetter)) *models.DeadLetter {
	letter := &models.DeadLetter{
		ID:             uuid.New().String(),
		Kind:           models.ActionWebhook,
		OrgID:          "org-1",
		RunID:          uuid.New().String(),
		ConversationID: "conv-1",
		Path:           models.PathDefault,
		IdempotencyKey: uuid.New().String(),
		Step: models.Step{
			Type:   models.StepTypeAction,
			Action: models.ActionWebhook,
			Data:   &models.WebhookData{URL: "https://example.com/hook"},
		},
		Error:     "503 Service Unavailable",
		Attempts:  3,
		Status:    models.DeadLetterPending,
		CreatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(letter)
	}

	return letter
}

package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/nexia/flowengine/pkg/compiler"
	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

// Replayer re-sends dead letters.
type Replayer interface {
	Replay(ctx context.Context, id string) (dispatcher.Outcome, error)
}

type APIHandlers struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	replayer    Replayer
	validator   *validator.Validate
	now         func() time.Time
}

func NewAPIHandlers(
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	replayer Replayer,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		persistence: persistence,
		publisher:   publisher,
		replayer:    replayer,
		validator:   validator,
		now:         time.Now,
	}
}

// CompileFlow compiles an editor graph without storing it.
func (h *APIHandlers) CompileFlow(c fiber.Ctx) error {
	var editor models.EditorGraph
	if err := c.Bind().JSON(&editor); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	return c.JSON(compiler.Compile(editor))
}

// PublishFlow stores a new version of a flow.
func (h *APIHandlers) PublishFlow(c fiber.Ctx) error {
	var req PublishFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	graph := req.Graph

	var diagnostics []models.Diagnostic

	if req.Editor != nil {
		result := compiler.Compile(*req.Editor)
		if req.Strict && result.HasWarnings() {
			return unprocessable(c, "compile_warnings",
				"editor graph compiled with warnings: "+strings.Join(result.Codes(), ", "))
		}

		graph = result.Graph
		diagnostics = result.Diagnostics
	}

	err := models.ValidateCompiledGraph(graph)
	if err != nil {
		return handleError(c, err)
	}

	flow := &models.Flow{
		OrgID:       req.OrgID,
		Name:        req.Name,
		Status:      models.FlowStatusActive,
		Graph:       graph,
		Diagnostics: diagnostics,
		CreatedAt:   h.now().UTC(),
	}

	if flow.Name == "" {
		flow.Name = graph.Name
	}

	if req.Inactive {
		flow.Status = models.FlowStatusInactive
	}

	err = h.persistence.Flows().Save(c.Context(), flow)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	orgID := c.Query("org_id")
	if orgID == "" {
		return badRequest(c, "org_id is required")
	}

	flows, err := h.persistence.Flows().List(c.Context(), orgID)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(flows)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.persistence.Flows().Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(flow)
}

// PostMessage hands an inbound message to the engine.
func (h *APIHandlers) PostMessage(c fiber.Ctx) error {
	var req InboundMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conversationID := c.Params("conversationId")

	event := events.InboundMessage{
		BaseEvent:  events.NewBaseEvent(events.InboundMessageEvent, conversationID),
		OrgID:      req.OrgID,
		ChannelID:  req.ChannelID,
		MessageID:  req.MessageID,
		Contact:    req.Contact,
		Text:       req.Text,
		ReceivedAt: h.now().UTC(),
	}

	if req.ReceivedAt != nil {
		event.ReceivedAt = req.ReceivedAt.UTC()
	}

	return h.accept(c, conversationID, event.BaseEvent, event)
}

// StartRun asks the engine to start a run for a conversation.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conversationID := c.Params("conversationId")

	event := events.RunStartRequested{
		BaseEvent: events.NewBaseEvent(events.RunStartRequestedEvent, conversationID),
		OrgID:     req.OrgID,
		ChannelID: req.ChannelID,
		Contact:   req.Contact,
		FlowID:    req.FlowID,
		Intent:    req.Intent,
	}

	return h.accept(c, conversationID, event.BaseEvent, event)
}

// GetRun returns the conversation's current run.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.persistence.Runs().Load(c.Context(), c.Params("conversationId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(run)
}

// CancelRun asks the engine to complete the conversation's run.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conversationID := c.Params("conversationId")

	run, err := h.persistence.Runs().Load(c.Context(), conversationID)
	if err != nil {
		return handleError(c, err)
	}

	if run.Status.Terminal() {
		return problem(c, fiber.StatusConflict, "run_finished", "run is already "+string(run.Status))
	}

	event := events.RunCancelRequested{
		BaseEvent: events.NewBaseEvent(events.RunCancelRequestedEvent, conversationID),
		RunID:     run.ID,
		Reason:    req.Reason,
	}

	return h.accept(c, conversationID, event.BaseEvent, event)
}

func (h *APIHandlers) accept(c fiber.Ctx, key string, base events.BaseEvent, event eventbus.Event) error {
	err := h.publisher.Publish(c.Context(), key, event)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: base.ID, Type: string(base.Type)})
}

func (h *APIHandlers) GetDeadLetters(c fiber.Ctx) error {
	status := models.DeadLetterStatus(c.Query("status"))

	switch status {
	case "", models.DeadLetterPending, models.DeadLetterReplayed:
	default:
		return badRequest(c, "status must be pending or replayed")
	}

	letters, err := h.persistence.DeadLetters().List(c.Context(), status)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(letters)
}

func (h *APIHandlers) ReplayDeadLetter(c fiber.Ctx) error {
	id := c.Params("id")

	outcome, err := h.replayer.Replay(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	if !outcome.Delivered() {
		return outcomeProblem(c, outcome)
	}

	return c.JSON(ReplayResponse{ID: id, Status: string(outcome.Status)})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "NexIA flow API is healthy"
	httpStatus := http.StatusOK
	repositoryCheck := "ok"

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		message = "NexIA flow API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		repositoryCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": h.now().UTC(),
	})
}

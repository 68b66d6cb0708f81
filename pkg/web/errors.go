package web

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	return problem(c, fiber.StatusNotFound, problemType, detail)
}

func unprocessable(c fiber.Ctx, problemType, detail string) error {
	return problem(c, fiber.StatusUnprocessableEntity, problemType, detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(http.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleError maps storage and dispatch errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsFlowNotFound(err):
		return notFound(c, "flow_not_found", "flow not found")
	case persistence.IsRunNotFound(err):
		return notFound(c, "run_not_found", "run not found")
	case errors.Is(err, persistence.ErrDeadLetterNotFound):
		return notFound(c, "dead_letter_not_found", "dead letter not found")
	case errors.Is(err, dispatcher.ErrAlreadyReplayed):
		return problem(c, fiber.StatusConflict, "already_replayed", err.Error())
	case errors.Is(err, models.ErrInvalidGraph):
		return unprocessable(c, "invalid_graph", err.Error())
	default:
		return internalError(c, err)
	}
}

// outcomeProblem renders a dispatch that did not deliver. Permanent failures
// carry their code as the problem type, so a message outside the contact's
// 24h window is a 422 of type outside-24h-window.
func outcomeProblem(c fiber.Ctx, outcome dispatcher.Outcome) error {
	detail := outcome.String()
	if outcome.Err != nil {
		detail = outcome.Err.Error()
	}

	if outcome.Retryable() {
		return problem(c, fiber.StatusBadGateway, "delivery_retryable", detail)
	}

	code := outcome.Code
	if code == "" {
		code = dispatcher.CodeDeliveryFailed
	}

	return unprocessable(c, code, detail)
}

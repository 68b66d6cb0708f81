package web

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/nexia/flowengine/pkg/metrics"
)

// Register mounts the API routes on router.
func (h *APIHandlers) Register(router fiber.Router) {
	f := router.Group("/flows")
	f.Get("/", h.GetFlows)
	f.Post("/", h.PublishFlow)
	f.Post("/compile", h.CompileFlow)
	f.Get("/:id", h.GetFlow)

	conv := router.Group("/conversations/:conversationId")
	conv.Post("/messages", h.PostMessage)
	conv.Get("/run", h.GetRun)
	conv.Post("/run", h.StartRun)
	conv.Post("/run/cancel", h.CancelRun)

	dl := router.Group("/dead-letters")
	dl.Get("/", h.GetDeadLetters)
	dl.Post("/:id/replay", h.ReplayDeadLetter)

	router.Get("/health", h.HealthCheck)
}

// RequestMetrics records the duration and status of every request by route.
func RequestMetrics(m metrics.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError

			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}

		m.ObserveRequest(c.Method(), c.Route().Path, strconv.Itoa(status), time.Since(start).Seconds())

		return err
	}
}

// Package main provides the Nexia API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/metrics"
	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	replayer    web.Replayer
	validate    *validator.Validate
	registry    *prometheus.Registry
	metrics     *metrics.Prom
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventPublisher,
	replayer web.Replayer,
) *API {
	registry := prometheus.NewRegistry()

	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		replayer:    replayer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		registry:    registry,
		metrics:     metrics.NewProm("nexia_api", registry),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.eventBus, a.replayer, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))
	app.Use(web.RequestMetrics(a.metrics))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Nexia API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(metrics.HandlerFor(a.registry)))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nexia/flowengine/pkg/cmd"
	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/engine"
	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/metrics"
	"github.com/nexia/flowengine/pkg/otelhelper"
	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/scheduler"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	DatabaseURL   string
	EventBus      string
	KafkaBrokers  []string
	ConsumerGroup string
	RedisURL      string
	GatewayURL    string
	WebhookSecret string
	HTTPTimeout   time.Duration
	MaxRetries    int
	DedupWindow   time.Duration
	SweepSchedule string
	MetricsPort   int
	Tracing       bool

	// FallbackReplies answers contacts of organizations without an active
	// flow with a canned text.
	FallbackReplies bool
}

// Worker owns every dependency of one engine process.
type Worker struct {
	config      Config
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	redis       redis.UniversalClient
	scheduler   scheduler.Scheduler
	engine      *engine.Engine
	sweeper     *engine.Sweeper
	registry    *prometheus.Registry
	shutdown    otelhelper.Shutdown
}

func NewWorker(ctx context.Context, logger *slog.Logger, config Config) (*Worker, error) {
	w := &Worker{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	err := w.init(ctx)
	if err != nil {
		w.Close(ctx)

		return nil, err
	}

	return w, nil
}

func (w *Worker) init(ctx context.Context) error {
	var err error

	w.persistence, err = cmd.NewPersistence(ctx, w.logger, w.config.DatabaseURL)
	if err != nil {
		return err
	}

	w.eventBus, err = cmd.NewEventBus(w.config.EventBus, w.config.KafkaBrokers, w.config.ConsumerGroup, w.logger)
	if err != nil {
		return err
	}

	w.redis, err = cmd.NewRedisClient(ctx, w.config.RedisURL)
	if err != nil {
		return err
	}

	tracer := otelhelper.NoopTracer()

	if w.config.Tracing {
		var t trace.Tracer

		t, w.shutdown, err = otelhelper.NewTracer(ctx, "nexia-engine")
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}

		tracer = t
	}

	prom := metrics.NewProm("nexia", w.registry)

	d := dispatcher.New(
		cmd.NewMessageSender(w.config.GatewayURL, w.config.HTTPTimeout, w.eventBus),
		dispatcher.NewHTTPWebhookSender(w.config.WebhookSecret, w.config.HTTPTimeout, w.eventBus),
		dispatcher.WithRunReader(w.persistence.Runs()),
		dispatcher.WithDeadLetters(w.persistence.DeadLetters()),
		dispatcher.WithMetrics(prom),
		dispatcher.WithRetryPolicy(w.config.MaxRetries, 0, 0),
	)

	w.scheduler = cmd.NewScheduler(w.redis)

	engineOpts := []engine.Option{
		engine.WithDedupWindow(w.config.DedupWindow),
		engine.WithLogger(w.logger.With("component", "engine")),
	}

	if w.config.FallbackReplies {
		engineOpts = append(engineOpts, engine.WithFallbackReplies(engine.DefaultFallbackReplies()))
	}

	w.engine = engine.New(engine.Dependencies{
		Flows:      w.persistence.Flows(),
		Runs:       w.persistence.Runs(),
		Dispatcher: d,
		Locker:     cmd.NewLocker(w.redis),
		Scheduler:  w.scheduler,
		Publisher:  w.eventBus,
		Metrics:    prom,
		Tracer:     tracer,
	}, engineOpts...)

	w.sweeper, err = engine.NewSweeper(
		w.persistence.Runs(),
		engine.PublishTimers(w.eventBus),
		engine.WithSweepSchedule(w.config.SweepSchedule),
	)
	if err != nil {
		return err
	}

	return nil
}

// Start subscribes the engine to the bus and runs the timer scheduler, the
// sweeper and the metrics server until SIGINT, SIGTERM or ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting engine worker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := w.engine.Register(w.eventBus)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	app := w.App()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.scheduler.Run(ctx, engine.PublishTimers(w.eventBus))
	})

	g.Go(func() error {
		return w.sweeper.Run(ctx)
	})

	g.Go(func() error {
		return app.Listen(":"+strconv.Itoa(w.config.MetricsPort), fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-ctx.Done()

		w.logger.InfoContext(ctx, "Shutting down engine worker...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	})

	w.logger.InfoContext(ctx, "Engine worker started", "metrics_port", w.config.MetricsPort)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// App serves metrics and health checks of the worker.
func (w *Worker) App() *fiber.App {
	app := fiber.New()

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return w.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/metrics", adaptor.HTTPHandler(metrics.HandlerFor(w.registry)))

	return app
}

func (w *Worker) Close(ctx context.Context) {
	if w.eventBus != nil {
		err := w.eventBus.Close()
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if w.redis != nil {
		err := w.redis.Close()
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
		}
	}

	if w.persistence != nil {
		err := w.persistence.Close(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	if w.shutdown != nil {
		err := w.shutdown(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
		}
	}
}

// Package main runs the conversation engine: it consumes conversation events,
// advances runs and fires their timers.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/engine"
	"github.com/nexia/flowengine/pkg/log"
)

const defaultMetricsPort = 9092

func main() {
	cmd := &cli.Command{
		Name:                  "nexia-engine",
		EnableShellCompletion: true,
		Usage:                 "Run conversation flows for inbound WhatsApp messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka broker addresses",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "consumer-group",
				Usage:   "Kafka consumer group",
				Value:   "nexia-engine",
				Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared timers and conversation locks (in-process when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "messaging-gateway-url",
				Usage:   "Base URL of the WhatsApp messaging gateway (messages go to the bus when empty)",
				Sources: cli.EnvVars("MESSAGING_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Secret used to sign outgoing webhook calls",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
			},
			&cli.DurationFlag{
				Name:    "http-timeout",
				Usage:   "Timeout of gateway and webhook calls",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("HTTP_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Retries of a failed action after the first attempt",
				Value:   dispatcher.DefaultMaxRetries,
				Sources: cli.EnvVars("MAX_RETRIES"),
			},
			&cli.DurationFlag{
				Name:    "dedup-window",
				Usage:   "How long processed message IDs are remembered",
				Value:   engine.DefaultDedupWindow,
				Sources: cli.EnvVars("DEDUP_WINDOW"),
			},
			&cli.BoolFlag{
				Name:    "fallback-replies",
				Usage:   "Reply with a canned text when the organization has no active flow",
				Value:   true,
				Sources: cli.EnvVars("FALLBACK_REPLIES"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the overdue timer sweep",
				Value:   engine.DefaultSweepSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and health checks",
				Value:   defaultMetricsPort,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "engine-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("nexia-engine").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Nexia engine")

			worker, err := NewWorker(ctx, logger, Config{
				DatabaseURL:   command.String("database-url"),
				EventBus:      command.String("event-bus"),
				KafkaBrokers:  command.StringSlice("kafka-brokers"),
				ConsumerGroup: command.String("consumer-group"),
				RedisURL:      command.String("redis-url"),
				GatewayURL:    command.String("messaging-gateway-url"),
				WebhookSecret: command.String("webhook-secret"),
				HTTPTimeout:   command.Duration("http-timeout"),
				MaxRetries:    command.Int("max-retries"),
				DedupWindow:   command.Duration("dedup-window"),
				SweepSchedule: command.String("sweep-schedule"),
				MetricsPort:   command.Int("metrics-port"),
				Tracing:       command.Bool("tracing"),

				FallbackReplies: command.Bool("fallback-replies"),
			})
			if err != nil {
				logger.ErrorContext(ctx, "Failed to initialize engine", "error", err)

				return err
			}

			defer worker.Close(ctx)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Engine stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		os.Exit(1)
	}
}

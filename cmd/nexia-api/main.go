package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/nexia/flowengine/pkg/cmd"
	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/log"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "nexia-api",
		Usage:                 "Publish flows and feed conversation events to the engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Name:    "webhook-secret",
				Usage:   "Secret used to sign replayed webhook calls",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
			},
			&cli.StringFlag{
				Name:    "messaging-gateway-url",
				Usage:   "Base URL of the WhatsApp messaging gateway",
				Sources: cli.EnvVars("MESSAGING_GATEWAY_URL"),
			},
			&cli.DurationFlag{
				Name:    "http-timeout",
				Usage:   "Timeout of replayed webhook calls",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("HTTP_TIMEOUT"),
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

			logger.InfoContext(ctx, "Initializing Nexia API")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), "nexia-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			timeout := command.Duration("http-timeout")

			replayer := dispatcher.New(
				cmd.NewMessageSender(command.String("messaging-gateway-url"), timeout, eventBus),
				dispatcher.NewHTTPWebhookSender(command.String("webhook-secret"), timeout, eventBus),
				dispatcher.WithDeadLetters(persistence.DeadLetters()),
			)

			api := NewAPI(logger, persistence, eventBus, replayer)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

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

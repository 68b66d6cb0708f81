// Package main compiles editor graph files into the graphs the engine runs.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/nexia/flowengine/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:      "nexia-flowc",
		Usage:     "Compile an editor graph (JSON or YAML) and print the compiled graph and diagnostics",
		ArgsUsage: "<editor-graph-file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Exit with status 2 when the compiler reports warnings",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Indent the JSON output",
				Value: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), "text")

			if command.Args().Len() != 1 {
				return cli.Exit("expected exactly one editor graph file", 1)
			}

			return compileFile(ctx, os.Stdout, command.Args().First(), options{
				strict: command.Bool("strict"),
				pretty: command.Bool("pretty"),
			})
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		os.Exit(1)
	}
}

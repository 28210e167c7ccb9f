package main

import (
	"context"
	"fmt"
	"os"

	"github.com/inngest/runengine/cmd/debug"
	"github.com/inngest/runengine/cmd/start"
	"github.com/inngest/runengine/cmd/version"
	"github.com/inngest/runengine/pkg/logger"
	isatty "github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
)

// globalFlags are the flags that should be available on all commands
var globalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "json",
		Usage: "Output logs as JSON.  Set to true if stdout is not a TTY.",
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Value:   "info",
		Usage:   "Set the log level.  One of: trace, debug, info, warn, error.",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "Path to a JSON or YAML configuration file",
	},
}

func execute() {
	app := &cli.Command{
		Name:    "runengine",
		Usage:   fmt.Sprintf("runengine v%s\n\nRedis-backed run queue, batch and schedule engine.", version.Print()),
		Version: version.Print(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("json") {
				os.Setenv("LOG_HANDLER", "json")
			}
			if os.Getenv("LOG_LEVEL") == "" {
				os.Setenv("LOG_LEVEL", cmd.String("log-level"))
			}
			return logger.WithStdlib(ctx, logger.New()), nil
		},
		Flags: globalFlags,
		Commands: []*cli.Command{
			version.Command(),
			start.Command(),
			debug.Command(),
		},
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// Always use JSON when not in a terminal
		os.Setenv("LOG_HANDLER", "json")
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Package cmd wires the sha1t48 CLI: the build and check subcommands,
// shared logging and OpenTelemetry bootstrap, and GOMAXPROCS auto-tuning.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version defines the version of the binary, and is meant to be set with
// ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// maxProcsPollInterval is how often autoMaxProcs re-reads the cgroup quota
// while a build is running.
const maxProcsPollInterval = 30 * time.Second

// New builds the root command tree: the build and check subcommands, with
// shared logging, OTel, and GOMAXPROCS setup running in Before/After.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	return &cli.Command{
		Name:    "sha1t48",
		Usage:   "Build and query a sharded SHA1-prefix breach-password index",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			ctx, err := setupLogger(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			res, err := newResource(ctx, cmd)
			if err != nil {
				return ctx, fmt.Errorf("building otel resource: %w", err)
			}

			otelShutdown, err = setupOTelSDK(ctx, res, cmd.Bool("otel-enabled"))
			if err != nil {
				return ctx, err
			}

			go func() {
				logger := *zerolog.Ctx(ctx)
				if err := autoMaxProcs(ctx, maxProcsPollInterval, logger); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("automaxprocs polling stopped")
				}
			}()

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Pretty-print traces and metrics to stdout instead of discarding them",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Commands: []*cli.Command{
			buildCommand(),
			checkCommand(),
		},
	}
}

// setupLogger builds a zerolog.Logger from --log-level and attaches it to
// ctx. Output is a human console writer on an interactive terminal, JSON
// otherwise.
func setupLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	lvl, err := zerolog.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return ctx, fmt.Errorf("parsing log-level %q: %w", cmd.String("log-level"), err)
	}

	var output io.Writer = os.Stdout
	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

	return logger.WithContext(ctx), nil
}

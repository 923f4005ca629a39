package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/hazil/sha1t48/pkg/builder"
	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/fetcher"
	"github.com/hazil/sha1t48/pkg/progress"
)

// ErrForceAndResume is returned when --force and --resume are both set.
var ErrForceAndResume = errors.New("--force and --resume are mutually exclusive")

// buildCommand is the "build" subcommand, laid out the way the teacher's
// "serve" subcommand carries its own flags rather than the root command's:
// the required --output flag lives here, not on root, so that
// `sha1t48 check ...` never has to satisfy it.
func buildCommand() *cli.Command {
	return &cli.Command{
		Name:   "build",
		Usage:  "build a sharded SHA1-prefix breach-password index from the HIBP range API",
		Flags:  buildFlags(),
		Action: buildAction(),
	}
}

func buildFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "output",
			Aliases:  []string{"o"},
			Usage:    "Output directory for the index (2^20 shard files)",
			Sources:  cli.EnvVars("SHA1T48_OUTPUT"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "concurrent-workers",
			Aliases: []string{"j"},
			Usage:   "Number of concurrent prefix workers",
			Sources: cli.EnvVars("SHA1T48_CONCURRENT_WORKERS"),
			Value:   builder.DefaultWorkers,
		},
		&cli.BoolFlag{
			Name:    "resume",
			Usage:   "Keep existing shards; skip any prefix already present and non-empty",
			Sources: cli.EnvVars("SHA1T48_RESUME"),
		},
		&cli.BoolFlag{
			Name:    "force",
			Usage:   "Delete and recreate the output directory before building",
			Sources: cli.EnvVars("SHA1T48_FORCE"),
		},
		&cli.IntFlag{
			Name:    "limit",
			Usage:   "Restrict the build to the first N prefixes (for testing); 0 builds the full 2^20",
			Sources: cli.EnvVars("SHA1T48_LIMIT"),
		},
		&cli.BoolFlag{
			Name:    "no-progress",
			Usage:   "Disable the periodic progress report",
			Sources: cli.EnvVars("SHA1T48_NO_PROGRESS"),
		},
		&cli.BoolFlag{
			Name:    "padding",
			Usage:   "Send Add-Padding: true to the upstream range API",
			Sources: cli.EnvVars("SHA1T48_PADDING"),
		},
	}
}

func buildAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Bool("force") && cmd.Bool("resume") {
			return ErrForceAndResume
		}

		runID := uuid.NewString()
		log := zerolog.Ctx(ctx).With().Str("run_id", runID).Logger()
		ctx = log.WithContext(ctx)

		policy := builder.DirPolicyNeither

		switch {
		case cmd.Bool("force"):
			policy = builder.DirPolicyForce
		case cmd.Bool("resume"):
			policy = builder.DirPolicyResume
		}

		limit := cmd.Int("limit")
		if limit < 0 || limit > builder.MaxLimit {
			return fmt.Errorf("%w: got %d, max %d", builder.ErrLimitOutOfRange, limit, builder.MaxLimit)
		}

		workers := cmd.Int("concurrent-workers")

		f, err := fetcher.New(fetcher.Options{
			Workers: workers,
			Padding: cmd.Bool("padding"),
		})
		if err != nil {
			return fmt.Errorf("constructing fetcher: %w", err)
		}

		opts := builder.Options{
			Dir:     cmd.String("output"),
			Workers: workers,
			Limit:   uint32(limit), //nolint:gosec
			Policy:  policy,
		}

		if !cmd.Bool("no-progress") {
			opts.Reporter = newLogReporter(log)
			opts.ReportInterval = 5 * time.Second
		}

		b, err := builder.New(f, opts)
		if err != nil {
			return fmt.Errorf("constructing builder: %w", err)
		}

		log.Info().
			Str("output", cmd.String("output")).
			Int("workers", workers).
			Str("policy", policyName(policy)).
			Msg("starting build")

		result, err := b.Run(ctx)

		indexSize := fmt.Sprintf("%.2f", decor.SizeB1000(result.RecordsWritten*codec.RecordWidth))

		log.Info().
			Uint64("shards_persisted", result.ShardsPersisted).
			Uint64("shards_skipped", result.ShardsSkipped).
			Uint64("records_written", result.RecordsWritten).
			Str("index_size", indexSize).
			Dur("duration", result.Duration.Round(time.Second)).
			Msg("build finished")

		if err != nil {
			return err
		}

		return nil
	}
}

func policyName(p builder.DirPolicy) string {
	switch p {
	case builder.DirPolicyForce:
		return "force"
	case builder.DirPolicyResume:
		return "resume"
	case builder.DirPolicyNeither:
		return "neither"
	default:
		return "unknown"
	}
}

// logReporter forwards progress.Snapshot samples to zerolog at a fixed
// interval, the way migrateNarToChunks' progress ticker does in the
// teacher's migration command.
type logReporter struct {
	log zerolog.Logger
}

func newLogReporter(log zerolog.Logger) *logReporter {
	return &logReporter{log: log}
}

func (r *logReporter) Report(s progress.Snapshot) {
	r.log.Info().
		Uint64("done", s.Done).
		Uint64("total", s.Total).
		Dur("elapsed", s.Elapsed.Round(time.Second)).
		Dur("eta", s.ETA.Round(time.Second)).
		Msg("build progress")
}

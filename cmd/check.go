package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/hazil/sha1t48/pkg/verifier"
)

// ErrBreachedPassword is returned (and drives a non-zero exit) when at
// least one checked password, from --stdin or the arguments, is found in
// the index, so scripting callers can
// branch on exit status without parsing log output.
var ErrBreachedPassword = errors.New("cmd: at least one password was found in the index")

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "look up passwords against a built index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "index",
				Aliases:  []string{"i"},
				Usage:    "Path to a directory built by the build command",
				Sources:  cli.EnvVars("SHA1T48_OUTPUT", "HIBP_DATA_DIR"),
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "stdin",
				Usage: "Read one password per line from stdin instead of positional arguments",
			},
		},
		Action: checkAction(),
	}
}

func checkAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		v := verifier.New(cmd.String("index"))
		log := zerolog.Ctx(ctx)

		passwords := cmd.Args().Slice()

		anyBreached := false

		check := func(pw string) error {
			found, err := v.IsBreached(pw)
			if err != nil {
				return err
			}

			if found {
				anyBreached = true
			}

			fmt.Fprintf(cmd.Writer, "%t\t%s\n", found, redact(pw)) //nolint:errcheck

			return nil
		}

		if cmd.Bool("stdin") {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err := check(scanner.Text()); err != nil {
					return err
				}
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
		}

		for _, pw := range passwords {
			if err := check(pw); err != nil {
				return err
			}
		}

		log.Debug().Bool("any_breached", anyBreached).Msg("check complete")

		if anyBreached {
			return ErrBreachedPassword
		}

		return nil
	}
}

// redact avoids echoing the checked password itself into logs or terminal
// scrollback; only its length is shown.
func redact(pw string) string {
	return fmt.Sprintf("<%d chars>", len(pw))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitCancelled = 3
)

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newApp(stdout, stderr)

	err := cmd.Run(ctx, args)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "loom:", ee.err)
		}
		return ee.code
	}

	fmt.Fprintln(stderr, "loom:", err)
	return exitFailed
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	cmd := &cli.Command{
		Name:      "loom",
		Usage:     "run CI workflows",
		Version:   versioninfo.Short(),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("LOOM_LOG_LEVEL"),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if !log.SetLevel(cmd.String("log-level")) {
				return ctx, configError(fmt.Errorf("unknown log level %q", cmd.String("log-level")))
			}
			logger := slog.New(log.NewHandlerTo(stderr, "loom"))
			return log.IntoContext(ctx, logger), nil
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			historyCommand(),
			serveCommand(),
		},
	}

	setUsageErrors(cmd)
	return cmd
}

// setUsageErrors makes bad flags and arguments exit as configuration
// errors, on every command.
func setUsageErrors(cmd *cli.Command) {
	cmd.OnUsageError = func(ctx context.Context, cmd *cli.Command, err error, isSubcommand bool) error {
		return configError(err)
	}
	for _, sub := range cmd.Commands {
		setUsageErrors(sub)
	}
}

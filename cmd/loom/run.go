package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/spindle"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/engine"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/spindle/report"
	"tangled.sh/tangled.sh/loom/telemetry"
	"tangled.sh/tangled.sh/loom/workflow"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a workflow once for an event",
		ArgsUsage: "<workflow.yml>",
		Action:    runWorkflow,
		Description: `
Exit status:
	0  the run succeeded or the event did not trigger it
	1  a job failed
	2  the workflow or the invocation is invalid
	3  the run was cancelled

Environment variables (overridden by flags):
	LOOM_PIPELINES_ENGINE           (default: local)
	LOOM_PIPELINES_LOG_DIR          (default: none for run)
	LOOM_PIPELINES_WORK_DIR         (default: $TMPDIR/loom)
	LOOM_PIPELINES_ACTIONS_DIR      (default: /usr/local/share/loom/actions)
	LOOM_PIPELINES_CLONE_BASE       (default: https://github.com)
	LOOM_PIPELINES_STEP_TIMEOUT     (default: 360m)
	LOOM_PIPELINES_JOB_TIMEOUT      (default: 360m)
	LOOM_PIPELINES_MAX_PARALLEL     (default: 0, unbounded)
	LOOM_PIPELINES_MAX_OUTPUT       (default: 1048576)
	LOOM_PIPELINES_SHELL            (default: sh)
	LOOM_PIPELINES_KEEP_WORKSPACES  (default: false)
	LOOM_DOCKER_DEFAULT_IMAGE       (default: ubuntu:24.04)
	LOOM_TELEMETRY_EXPORTER         (default: none; otlp or stdout)
	LOOM_TELEMETRY_ENDPOINT         (default: the OTLP exporter's)
`,
		Flags: append(eventFlags(),
			&cli.StringFlag{
				Name:  "engine",
				Usage: "step backend: local or docker",
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Usage: "jobs running at once, 0 for no limit",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "record the run in this sqlite database",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "write per job log files here",
			},
			&cli.StringFlag{
				Name:  "work-dir",
				Usage: "parent of the job workspaces",
			},
			&cli.StringFlag{
				Name:  "actions-dir",
				Usage: "where owner/name@version actions are installed",
			},
			&cli.BoolFlag{
				Name:  "keep-workspaces",
				Usage: "leave job workspaces behind",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the result as JSON",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print the output of every step",
			},
		),
	}
}

func eventFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "event",
			Usage: "JSON file with {kind, branch, ref, commit, repo}",
		},
		&cli.StringFlag{
			Name:  "kind",
			Usage: "event kind: push or pull_request",
		},
		&cli.StringFlag{
			Name:  "branch",
			Usage: "pushed branch, or target branch of a pull request",
		},
		&cli.StringFlag{
			Name:  "ref",
			Usage: "full ref, when no branch is given",
		},
		&cli.StringFlag{
			Name:  "commit",
			Usage: "commit to check out",
		},
		&cli.StringFlag{
			Name:  "repo",
			Usage: "repository, as owner/name, URL or path",
		},
	}
}

func runWorkflow(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	if cmd.Args().Len() != 1 {
		return configError(errors.New("usage: loom run [flags] <workflow.yml>"))
	}

	cfg, err := runConfig(ctx, cmd)
	if err != nil {
		return configError(err)
	}

	if cfg.Telemetry.Exporter != "" {
		tel, err := telemetry.New(ctx, "loom", versioninfo.Short(), cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint)
		if err != nil {
			return configError(fmt.Errorf("failed to setup telemetry: %w", err))
		}
		defer func() {
			if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
				l.Warn("failed to flush telemetry", "error", err)
			}
		}()
	}

	def, err := loadWorkflow(ctx, cmd.Args().First())
	if err != nil {
		return configError(err)
	}

	ev, err := eventFrom(cmd)
	if err != nil {
		return configError(err)
	}

	backend, err := spindle.NewBackend(ctx, cfg)
	if err != nil {
		return configError(err)
	}

	var d *db.DB
	if path := cmd.String("db"); path != "" {
		d, err = db.Make(path)
		if err != nil {
			return fmt.Errorf("failed to setup db: %w", err)
		}
		defer d.Close()
	}

	eng := engine.New(ctx, cfg, backend, spindle.NewRegistry(cfg), d, nil)
	res, err := eng.Run(ctx, def, ev)
	if err != nil {
		return configError(err)
	}
	l.Debug("run finished", "run", res.RunId, "outcome", res.Outcome)

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		err = report.JSON(out, res)
	} else {
		err = report.Text(out, res, report.Options{Verbose: cmd.Bool("verbose")})
	}
	if err != nil {
		return err
	}

	return outcomeError(res.Outcome)
}

func outcomeError(outcome models.StatusKind) error {
	switch outcome {
	case models.StatusKindSuccess, models.StatusKindSkipped:
		return nil
	case models.StatusKindCancelled:
		return &exitError{code: exitCancelled}
	}
	return &exitError{code: exitFailed}
}

// runConfig is the environment config with flags applied on top. Log
// files are only written when asked for.
func runConfig(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if _, ok := os.LookupEnv("LOOM_PIPELINES_LOG_DIR"); !ok {
		cfg.Pipelines.LogDir = ""
	}

	if cmd.IsSet("engine") {
		cfg.Pipelines.Engine = cmd.String("engine")
	}
	if cmd.IsSet("max-parallel") {
		n := int(cmd.Int("max-parallel"))
		if n < 0 {
			return nil, fmt.Errorf("--max-parallel must not be negative")
		}
		cfg.Pipelines.MaxParallel = n
	}
	if cmd.IsSet("log-dir") {
		cfg.Pipelines.LogDir = cmd.String("log-dir")
	}
	if cmd.IsSet("work-dir") {
		cfg.Pipelines.WorkDir = cmd.String("work-dir")
	}
	if cmd.IsSet("actions-dir") {
		cfg.Pipelines.ActionsDir = cmd.String("actions-dir")
	}
	if cmd.IsSet("keep-workspaces") {
		cfg.Pipelines.KeepWorkspaces = cmd.Bool("keep-workspaces")
	}

	return cfg, nil
}

// loadWorkflow compiles a declaration, logging its warnings.
func loadWorkflow(ctx context.Context, path string) (*workflow.Definition, error) {
	l := log.FromContext(ctx)

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	def, diags, err := workflow.Load(filepath.Base(path), contents)
	for _, w := range diags.Warnings {
		l.Warn(w.String())
	}
	return def, err
}

// eventFrom reads --event, then applies the individual event flags.
// Without either the event is a push.
func eventFrom(cmd *cli.Command) (workflow.Event, error) {
	var ev workflow.Event

	if path := cmd.String("event"); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return ev, fmt.Errorf("reading event: %w", err)
		}
		if err := json.Unmarshal(contents, &ev); err != nil {
			return ev, fmt.Errorf("parsing event %s: %w", path, err)
		}
	}

	for name, field := range map[string]*string{
		"branch": &ev.Branch,
		"ref":    &ev.Ref,
		"commit": &ev.Commit,
		"repo":   &ev.Repo,
	} {
		if cmd.IsSet(name) {
			*field = cmd.String(name)
		}
	}
	if cmd.IsSet("kind") {
		ev.Kind = workflow.EventKind(cmd.String("kind"))
	}

	if ev.Kind == "" {
		ev.Kind = workflow.TriggerKindPush
	}
	if !ev.Kind.IsValid() {
		return ev, fmt.Errorf("unsupported event kind %q", ev.Kind)
	}

	return ev, nil
}

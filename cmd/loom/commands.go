package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/loom/spindle"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/report"
	"tangled.sh/tangled.sh/loom/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check workflow files without running them",
		ArgsUsage: "<workflow.yml>...",
		Action:    validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return configError(errors.New("usage: loom validate <workflow.yml>..."))
	}

	out := cmd.Root().Writer
	failed := false
	for _, path := range cmd.Args().Slice() {
		contents, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed = true
			continue
		}

		def, diags, err := workflow.Load(filepath.Base(path), contents)
		for _, e := range diags.Errors {
			fmt.Fprintln(out, e)
		}
		for _, w := range diags.Warnings {
			fmt.Fprintln(out, w)
		}
		if err != nil {
			failed = true
			continue
		}

		variants, ok := 0, true
		for _, j := range def.Jobs {
			vs, err := j.Matrix.Expand()
			if err != nil {
				fmt.Fprintf(out, "%s: jobs.%s: %v\n", path, j.Id, err)
				ok = false
				continue
			}
			variants += len(vs)
		}
		if !ok {
			failed = true
			continue
		}
		fmt.Fprintf(out, "%s: ok (%d jobs, %d variants)\n", path, len(def.Jobs), variants)
	}

	if failed {
		return &exitError{code: exitConfig}
	}
	return nil
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:   "history",
		Usage:  "list recorded runs",
		Action: history,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database, defaults to LOOM_SERVER_DB_PATH",
			},
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "only runs of this workflow",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of runs",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print runs as JSON",
			},
		},
	}
}

func history(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return configError(fmt.Errorf("failed to load config: %w", err))
	}
	path := cfg.Server.DBPath
	if cmd.IsSet("db") {
		path = cmd.String("db")
	}
	if _, err := os.Stat(path); err != nil {
		return configError(fmt.Errorf("no run history: %w", err))
	}

	d, err := db.Make(path)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	runs, err := d.GetRuns(cmd.String("workflow"), int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	if cmd.Bool("json") {
		if runs == nil {
			runs = []db.Run{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	return report.History(out, runs)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "accept events over HTTP and run the matching workflows",
		Action: serve,
		Description: `
Environment variables (overridden by flags):
	LOOM_SERVER_LISTEN_ADDR    (default: 0.0.0.0:6555)
	LOOM_SERVER_DB_PATH        (default: loom.db)
	LOOM_SERVER_WORKFLOWS_DIR  (default: .loom/workflows)
	LOOM_SERVER_QUEUE_SIZE     (default: 100)
	LOOM_TELEMETRY_EXPORTER    stdout or otlp (default: none)
	LOOM_TELEMETRY_ENDPOINT    OTLP collector address
	LOOM_PIPELINES_*           see loom run --help
`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address to listen on",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database for run history",
			},
			&cli.StringFlag{
				Name:  "workflows-dir",
				Usage: "directory holding the workflow files",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "step backend: local or docker",
			},
		},
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return configError(fmt.Errorf("failed to load config: %w", err))
	}

	if cmd.IsSet("listen") {
		cfg.Server.ListenAddr = cmd.String("listen")
	}
	if cmd.IsSet("db") {
		cfg.Server.DBPath = cmd.String("db")
	}
	if cmd.IsSet("workflows-dir") {
		cfg.Server.WorkflowsDir = cmd.String("workflows-dir")
	}
	if cmd.IsSet("engine") {
		cfg.Pipelines.Engine = cmd.String("engine")
	}

	return spindle.Run(ctx, cfg)
}

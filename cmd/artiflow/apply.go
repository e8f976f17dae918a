package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "artiflow/internal/config"
	"artiflow/internal/diag"
)

func newApplyCmd(a *app) *cobra.Command {
	var ex execFlags
	cmd := &cobra.Command{
		Use:   "apply [transcript...]",
		Short: "Replay recorded transcripts and execute the artifacts",
		Long: `Reads each transcript (file, directory or "-" for STDIN), feeds it through
the parser in chunks and executes the validated actions. Transcripts are
processed concurrently; reports are printed in input order. A transcript
that ends inside an artifact is suspended and its token stored for "resume".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replay(cmd.Context(), "apply", args, ex, false)
		},
	}
	ex.bind(cmd.Flags())
	return cmd
}

func newParseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [transcript...]",
		Short: "Replay recorded transcripts and print the parse report only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replay(cmd.Context(), "parse", args, execFlags{}, true)
		},
	}
}

func (a *app) replay(ctx context.Context, stage string, args []string, ex execFlags, parseOnly bool) error {
	over := cfgpkg.Unset()
	over.Inputs = args
	ex.overlay(&over)
	over.Execution.DryRun = parseOnly
	cfg, err := a.loadConfig(over)
	if err != nil {
		return err
	}
	if err := cfgpkg.RequireInputs(cfg); err != nil {
		return fail(exitConfig, err)
	}
	if parseOnly {
		// 只读：不持久化截断令牌
		cfg.StateDir = ""
	}

	logger, done := a.setup(cfg)
	defer done()
	comp, set, err := a.assemble(cfg, false, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	diag.GetTerminal().RunStart(cfg.Concurrency, stage)
	reps, rerr := pipelineReplay(ctx, comp, set, logger)
	if err := a.emit(reps); err != nil {
		return err
	}
	return a.verdict(logger, stage, start, reps, rerr, !parseOnly)
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "artiflow/internal/config"
	"artiflow/internal/diag"
	"artiflow/internal/pipeline"
	"artiflow/internal/session"
)

func newResumeCmd(a *app) *cobra.Command {
	var (
		ex   execFlags
		list bool
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id|token> [transcript...]",
		Short: "Continue a truncated session from its stored token",
		Long: `Loads the continuation token of a suspended session (by session id from
state_dir, or the encoded token itself) and feeds the given transcripts as
successive continuation segments. Use --list to print stored session ids.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			over := cfgpkg.Unset()
			if len(args) > 1 {
				over.Inputs = args[1:]
			}
			ex.overlay(&over)
			cfg, err := a.loadConfig(over)
			if err != nil {
				return err
			}
			if list {
				return a.listSessions(cfg)
			}
			if err := cfgpkg.RequireInputs(cfg); err != nil {
				return fail(exitConfig, err)
			}

			logger, done := a.setup(cfg)
			defer done()
			comp, set, err := a.assemble(cfg, false, logger)
			if err != nil {
				return err
			}
			tok, err := lookupToken(comp.Store, args[0])
			if err != nil {
				return fail(exitConfig, err)
			}

			start := time.Now()
			diag.GetTerminal().RunStart(1, "resume")
			rep, rerr := pipelineResume(cmd.Context(), comp, set, tok, logger)
			if err := a.emit(rep); err != nil {
				return err
			}
			return a.verdict(logger, "resume", start, []pipeline.Report{rep}, rerr, true)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "列出 state_dir 中已保存的会话")
	ex.bind(cmd.Flags())
	return cmd
}

// lookupToken 先按会话 ID 查 Store，未命中时把参数当作编码令牌解析。
func lookupToken(store *session.Store, ref string) (*session.Token, error) {
	ref = strings.TrimSpace(ref)
	if store != nil {
		tok, err := store.Load(ref)
		if err == nil {
			return tok, nil
		}
	}
	tok, err := session.ParseToken(ref)
	if err != nil {
		if store == nil {
			return nil, fmt.Errorf("resume: state_dir not set and %q is not a token: %w", ref, err)
		}
		return nil, fmt.Errorf("resume: unknown session %q: %w", ref, err)
	}
	return tok, nil
}

func (a *app) listSessions(cfg cfgpkg.Config) error {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fail(exitConfig, errors.New("resume: state_dir not set"))
	}
	store, err := session.NewStore(cfg.StateDir)
	if err != nil {
		return fail(exitConfig, err)
	}
	ids, err := store.List()
	if err != nil {
		return fail(exitRuntime, err)
	}
	for _, id := range ids {
		fprintf(a.stdout, "%s\n", id)
	}
	return nil
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "artiflow/internal/config"
	"artiflow/internal/diag"
	"artiflow/internal/pipeline"
	"artiflow/pkg/contract"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		ex               execFlags
		llm              string
		maxTokens        int
		maxRetries       int
		maxContinuations int
	)
	cmd := &cobra.Command{
		Use:   "generate [message...]",
		Short: "Prompt a model, stream its answer and execute the artifacts",
		Long: `Builds a prompt from the message (arguments, or STDIN when none are given),
streams the model answer through the parser and executes every validated action.
A stream that ends inside an artifact is continued automatically up to
max_continuations times; the session token is stored for "resume" afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.TrimSpace(strings.Join(args, " "))
			if msg == "" {
				b, err := io.ReadAll(a.stdin)
				if err != nil {
					return fail(exitConfig, fmt.Errorf("读取 STDIN 失败: %w", err))
				}
				msg = strings.TrimSpace(string(b))
			}
			if msg == "" {
				return fail(exitConfig, errors.New("generate: empty message"))
			}

			over := cfgpkg.Unset()
			over.LLM = llm
			over.MaxTokens = maxTokens
			over.MaxRetries = maxRetries
			over.MaxContinuations = maxContinuations
			ex.overlay(&over)
			cfg, err := a.loadConfig(over)
			if err != nil {
				return err
			}
			if err := cfgpkg.RequireLLM(cfg); err != nil {
				return fail(exitConfig, err)
			}

			logger, done := a.setup(cfg)
			defer done()
			comp, set, err := a.assemble(cfg, true, logger)
			if err != nil {
				return err
			}

			start := time.Now()
			diag.GetTerminal().RunStart(1, cfg.LLM)
			t := logger.Start("pipeline", "generate")
			rep, rerr := pipelineGenerate(cmd.Context(), comp, set, contract.Request{Message: msg}, logger)
			if rerr == nil {
				t.Finish("generate", int64(len(rep.Artifacts)))
			}
			if err := a.emit(rep); err != nil {
				return err
			}
			return a.verdict(logger, "generate", start, []pipeline.Report{rep}, rerr, true)
		},
	}
	f := cmd.Flags()
	f.StringVar(&llm, "llm", "", "provider 名称（覆盖配置）")
	f.IntVar(&maxTokens, "max-tokens", 0, "单次请求的输出 token 上限（覆盖配置）")
	// -1 表示未覆盖；0 有语义（不重试/不续写）
	f.IntVar(&maxRetries, "max-retries", -1, "打开流失败时的重试次数（覆盖配置；0 表示不重试）")
	f.IntVar(&maxContinuations, "max-continuations", -1, "截断后的续写次数上限（覆盖配置；0 表示不续写）")
	ex.bind(f)
	return cmd
}

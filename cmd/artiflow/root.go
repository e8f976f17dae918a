package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfgpkg "artiflow/internal/config"
	"artiflow/internal/diag"
	"artiflow/internal/pipeline"
	wfs "artiflow/plugins/writer/filesystem"
)

// 测试替换点。
var (
	pipelineGenerate = pipeline.Generate
	pipelineReplay   = pipeline.Replay
	pipelineResume   = pipeline.Resume
)

// app 承载一次进程调用的 IO 与全局旗标。
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer
	corrID         string

	configPath  string
	workDir     string
	logLevel    string
	concurrency int
	dryRun      bool
	strict      bool
	status      bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "artiflow",
		Short: "Parse and execute streamed artifact markup from language models",
		Long: `artiflow consumes model output that carries <artifact>/<action> markup,
parses it incrementally, validates every action and executes shell commands
and file writes inside a work directory.

Commands:
  generate     - prompt a model, stream its answer and execute the artifacts
  apply        - replay recorded transcripts and execute the artifacts
  parse        - replay recorded transcripts and print the parse report only
  resume       - continue a truncated session from its stored token
  init-config  - write a default config and .env template`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "配置文件路径（.json/.yaml/.yml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.StringVar(&a.workDir, "work-dir", "", "动作执行与文件写入的根目录（覆盖配置）")
	pf.StringVar(&a.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.IntVar(&a.concurrency, "concurrency", 0, "并发处理的转录数（覆盖配置）")
	pf.BoolVar(&a.dryRun, "dry-run", false, "只解析与校验，不执行任何动作")
	pf.BoolVar(&a.strict, "strict", false, "存在被校验器禁用的动作时以退出码 2 结束")
	pf.BoolVar(&a.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(newGenerateCmd(a))
	root.AddCommand(newApplyCmd(a))
	root.AddCommand(newParseCmd(a))
	root.AddCommand(newResumeCmd(a))
	root.AddCommand(newInitConfigCmd(a))
	return root
}

// execFlags 为会执行动作的子命令共享的策略旗标。
type execFlags struct {
	progressive       bool
	continueOnFailure bool
	executeTruncated  bool
}

func (f *execFlags) bind(fs *pflag.FlagSet) {
	fs.BoolVar(&f.progressive, "progressive", false, "动作一经提交并通过校验即执行")
	fs.BoolVar(&f.continueOnFailure, "continue-on-failure", false, "动作失败后继续执行后续动作")
	fs.BoolVar(&f.executeTruncated, "execute-truncated", false, "执行最终截断的 Artifact 中已提交的动作")
}

func (f execFlags) overlay(c *cfgpkg.Config) {
	c.Execution.Progressive = f.progressive
	c.Execution.ContinueOnFailure = f.continueOnFailure
	c.Execution.ExecuteTruncated = f.executeTruncated
}

// loadConfig 按 defaults < 文件 < ENV < CLI 合并并校验。
func (a *app) loadConfig(over cfgpkg.Config) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := a.configPath
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path != "" {
		base, err := cfgpkg.Load(path)
		if err != nil {
			return cfg, fail(exitConfig, fmt.Errorf("配置解析失败: %w", err))
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	// 内联 JSON 配置（ENV），叠加在文件之上
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		base, err := cfgpkg.LoadJSON([]byte(s))
		if err != nil {
			return cfg, fail(exitConfig, fmt.Errorf("配置解析失败: %w", err))
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fail(exitConfig, fmt.Errorf("环境变量解析失败: %w", err))
	}
	cfg = cfgpkg.Merge(cfg, env)

	if a.workDir != "" {
		over.WorkDir = a.workDir
	}
	if a.logLevel != "" {
		over.Logging.Level = a.logLevel
	}
	if a.concurrency != 0 {
		over.Concurrency = a.concurrency
	}
	over.Execution.DryRun = over.Execution.DryRun || a.dryRun
	cfg = cfgpkg.Merge(cfg, over)
	if a.concurrency < 0 {
		// Merge 忽略非正数；显式的非法值交给 Validate 报告
		cfg.Concurrency = a.concurrency
	}

	if err := cfgpkg.Validate(cfg); err != nil {
		a.dumpConfig(cfg)
		return cfg, fail(exitConfig, fmt.Errorf("配置校验失败: %w", err))
	}
	return cfg, nil
}

func discoverConfig() string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
	}
	return ""
}

func (a *app) dumpConfig(c cfgpkg.Config) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fprintf(a.stderr, "有效配置:\n%s\n", b)
}

// setup 按最终配置构造日志器与终端提示；返回的 done 负责收尾。
func (a *app) setup(cfg cfgpkg.Config) (*diag.Logger, func()) {
	opts := diag.Options{Level: cfg.Logging.Level, Dir: cfg.Logging.Dir, File: cfg.Logging.File}
	if cfg.Logging.Console {
		opts.Console = a.stderr
	}
	logger := diag.New(a.corrID, opts)
	diag.SetTerminal(diag.NewTerminal(a.stderr, a.status))
	return logger, func() {
		diag.SetTerminal(nil)
		_ = logger.Close()
	}
}

// assemble 装配组件并接入写入摘要日志。
func (a *app) assemble(cfg cfgpkg.Config, withLLM bool, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	comp, set, err := cfgpkg.Assemble(cfg, withLLM)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", nil)
		return comp, set, fail(exitConfig, fmt.Errorf("装配失败: %w", err))
	}
	if w, ok := comp.Writer.(*wfs.FS); ok {
		w.Observe(func(c wfs.Change) {
			logger.Note("writer", "file written", "", "", map[string]string{
				"path":     c.Path,
				"created":  strconv.FormatBool(c.Created),
				"inserted": strconv.Itoa(c.Inserted),
				"deleted":  strconv.Itoa(c.Deleted),
			})
		})
	}
	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))
	return comp, set, nil
}

// effectiveKV 提取运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":      strconv.Itoa(len(cfg.Inputs)),
		"work_dir":          cfg.WorkDir,
		"state_dir":         cfg.StateDir,
		"concurrency":       strconv.Itoa(cfg.Concurrency),
		"max_tokens":        strconv.Itoa(cfg.MaxTokens),
		"max_continuations": strconv.Itoa(cfg.MaxContinuations),
		"dry_run":           strconv.FormatBool(cfg.Execution.DryRun),
		"progressive":       strconv.FormatBool(cfg.Execution.Progressive),
		"llm":               cfg.LLM,
		"reader":            cfg.Components.Reader,
		"chunker":           cfg.Components.Chunker,
		"prompt_builder":    cfg.Components.PromptBuilder,
		"runner":            cfg.Components.Runner,
		"writer":            cfg.Components.Writer,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

func (a *app) emit(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(exitRuntime, fmt.Errorf("输出报告失败: %w", err))
	}
	return nil
}

// verdict 把运行结果映射为退出码，并记录收尾日志与终端提示。
// requireComplete=true 时以截断结束的流视为失败。
func (a *app) verdict(logger *diag.Logger, stage string, start time.Time, reps []pipeline.Report, err error, requireComplete bool) error {
	term := diag.GetTerminal()
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, stage+" failed", &start)
		diag.IncOp("pipeline", stage, "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, time.Since(start))
		return fail(exitRuntime, fmt.Errorf("运行失败: %w", err))
	}
	var blocked, failed bool
	var pending []string
	for _, r := range reps {
		blocked = blocked || r.Blocked()
		failed = failed || r.Failed()
		if requireComplete && r.Token != "" {
			pending = append(pending, r.Session)
		}
	}
	ok := !failed && len(pending) == 0 && !(a.strict && blocked)
	term.RunFinish(ok, time.Since(start))
	switch {
	case a.strict && blocked:
		diag.IncOp("pipeline", stage, "blocked")
		return fail(exitBlocked, fmt.Errorf("%s: 存在被校验器禁用的动作", stage))
	case failed:
		diag.IncOp("pipeline", stage, "failed")
		return fail(exitRuntime, fmt.Errorf("%s: 存在失败的动作", stage))
	case len(pending) > 0:
		diag.IncOp("pipeline", stage, "truncated")
		return fail(exitRuntime, fmt.Errorf("%s: 流以截断结束，可用 resume 继续: %s", stage, strings.Join(pending, ", ")))
	}
	logger.InfoFinish("pipeline", stage, start, int64(len(reps)))
	diag.IncOp("pipeline", stage, "success")
	diag.ObserveDuration("pipeline", stage, time.Since(start).Milliseconds())
	return nil
}

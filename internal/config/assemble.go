package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"artiflow/internal/executor"
	"artiflow/internal/pipeline"
	"artiflow/internal/rate"
	"artiflow/internal/session"
	"artiflow/pkg/registry"
)

// Validate 对静态边界做校验；是否需要 LLM/输入由 RequireLLM/RequireInputs 另行判定。
func Validate(cfg Config) error {
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return errors.New("config: work_dir must be set")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxTokens < 0 || cfg.BytesPerToken < 0 {
		return errors.New("config: max_tokens and bytes_per_token must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.MaxContinuations < 0 {
		return errors.New("config: max_continuations must be >= 0")
	}
	if cfg.Parser.MinOverlap < 0 || cfg.Parser.MaxOverlap < 0 || cfg.Parser.Scanner.MaxTagBytes < 0 {
		return errors.New("config: parser limits must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Logging.Level)
	}
	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"chunker", effName(cfg.Components.Chunker, d.Chunker), registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"runner", effName(cfg.Components.Runner, d.Runner), registry.Runner[effName(cfg.Components.Runner, d.Runner)] != nil},
		{"writer", effName(cfg.Components.Writer, d.Writer), registry.Writer[effName(cfg.Components.Writer, d.Writer)] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("config: %s %q not registered", c.kind, c.name)
		}
	}
	if cfg.LLM == "" {
		return nil
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered (have %s)", prov.Client, strings.Join(registry.Names(registry.LLMClient), ", "))
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	return nil
}

// RequireLLM: generate 需要选定 provider。
func RequireLLM(cfg Config) error {
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	return nil
}

// RequireInputs: apply/parse/resume 需要至少一个输入根。
func RequireInputs(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	return nil
}

// Assemble 构造 Components 与 Settings（含限流 Gate 与分组键）。
// 严格 Options 解析在 registry（工厂）层进行；此处只注入 work_dir 等公共键后传 raw JSON。
func Assemble(cfg Config, withLLM bool) (pipeline.Components, pipeline.Settings, error) {
	var comp pipeline.Components
	var set pipeline.Settings
	if err := Validate(cfg); err != nil {
		return comp, set, err
	}
	if withLLM {
		if err := RequireLLM(cfg); err != nil {
			return comp, set, err
		}
	}
	d := Defaults().Components

	var err error
	if comp.Reader, err = registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader); err != nil {
		return comp, set, fmt.Errorf("reader: %w", err)
	}
	if comp.Chunker, err = registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)](cfg.Options.Chunker); err != nil {
		return comp, set, fmt.Errorf("chunker: %w", err)
	}
	if !cfg.Execution.DryRun {
		raw, err := withDefault(cfg.Options.Runner, "work_dir", cfg.WorkDir)
		if err != nil {
			return comp, set, fmt.Errorf("runner: %w", err)
		}
		if comp.Runner, err = registry.Runner[effName(cfg.Components.Runner, d.Runner)](raw); err != nil {
			return comp, set, fmt.Errorf("runner: %w", err)
		}
		raw, err = withDefault(cfg.Options.Writer, "work_dir", cfg.WorkDir)
		if err != nil {
			return comp, set, fmt.Errorf("writer: %w", err)
		}
		if comp.Writer, err = registry.Writer[effName(cfg.Components.Writer, d.Writer)](raw); err != nil {
			return comp, set, fmt.Errorf("writer: %w", err)
		}
	}
	if strings.TrimSpace(cfg.StateDir) != "" {
		if comp.Store, err = session.NewStore(cfg.StateDir); err != nil {
			return comp, set, fmt.Errorf("state: %w", err)
		}
	}

	set = pipeline.Settings{
		Inputs:           cloneStrings(cfg.Inputs),
		Concurrency:      cfg.Concurrency,
		Session:          cfg.Parser,
		Policy:           executor.Policy{ContinueOnFailure: cfg.Execution.ContinueOnFailure},
		DryRun:           cfg.Execution.DryRun,
		Progressive:      cfg.Execution.Progressive,
		ExecuteTruncated: cfg.Execution.ExecuteTruncated,
		MaxContinuations: cfg.MaxContinuations,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     200 * time.Millisecond,
		BytesPerToken:    cfg.BytesPerToken,
		MaxOutputTokens:  cfg.MaxTokens,
	}
	if !withLLM {
		return comp, set, nil
	}

	if comp.PromptBuilder, err = registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder); err != nil {
		return comp, set, fmt.Errorf("prompt_builder: %w", err)
	}
	prov := cfg.Provider[cfg.LLM]
	raw := prov.Options
	// 输出上限下沉到真实 provider 的请求体
	switch prov.Client {
	case "openai":
		raw, err = withDefault(raw, "max_tokens", cfg.MaxTokens)
	case "gemini":
		raw, err = withDefault(raw, "max_output_tokens", cfg.MaxTokens)
	}
	if err != nil {
		return comp, set, fmt.Errorf("llm: %w", err)
	}
	if comp.LLM, err = registry.LLMClient[prov.Client](raw); err != nil {
		return comp, set, fmt.Errorf("llm: %w", err)
	}

	// 限流 Gate：默认按 API Key 派生分组键；失败则退化为 provider 名称。
	key, derr := rate.DeriveKey(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)
	set.GateKey = key
	return comp, set, nil
}

// withDefault 在 Options 对象缺少 key（或为零值）时写入 val。
func withDefault(raw json.RawMessage, key string, val any) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if obj == nil {
			obj = map[string]any{}
		}
	}
	switch v := obj[key].(type) {
	case nil:
	case string:
		if v != "" {
			return raw, nil
		}
	case float64:
		if v != 0 {
			return raw, nil
		}
	default:
		return raw, nil
	}
	obj[key] = val
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

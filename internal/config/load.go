package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "ARTIFLOW_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（generate 时必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		WorkDir:          ".",
		StateDir:         ".artiflow",
		Concurrency:      1,
		MaxTokens:        8192,
		BytesPerToken:    4,
		MaxRetries:       2,
		MaxContinuations: 2,
		Logging:          Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Chunker:       "fixed",
			PromptBuilder: "bolt",
			Runner:        "shell",
			Writer:        "fs",
		},
	}
}

// Load 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(raw)
	}
	return LoadJSON(raw)
}

// LoadJSON 严格解析 JSON（拒绝未知字段）。
// 结果是覆盖层：缺省的整数字段保持 Unset 的 -1，以便 Merge 区分“未设置”与显式 0。
func LoadJSON(raw []byte) (Config, error) {
	cfg := Unset()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, errors.New("config: empty document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadYAML 先把 YAML 规范化为 JSON，再走与 JSON 相同的严格解码。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if doc == nil {
		return Unset(), errors.New("config: empty document")
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("config: yaml to json: %w", err)
	}
	return LoadJSON(js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
// 整数覆盖中 -1 表示未设置（0 对重试/续写有语义）。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	setStr(&out.WorkDir, over.WorkDir)
	setStr(&out.StateDir, over.StateDir)
	if over.Concurrency > 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxTokens > 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken > 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.MaxContinuations >= 0 {
		out.MaxContinuations = over.MaxContinuations
	}

	// Logging
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.Logging.File, over.Logging.File)
	out.Logging.Console = out.Logging.Console || over.Logging.Console

	// Execution（开关只能打开）
	out.Execution.DryRun = out.Execution.DryRun || over.Execution.DryRun
	out.Execution.ContinueOnFailure = out.Execution.ContinueOnFailure || over.Execution.ContinueOnFailure
	out.Execution.Progressive = out.Execution.Progressive || over.Execution.Progressive
	out.Execution.ExecuteTruncated = out.Execution.ExecuteTruncated || over.Execution.ExecuteTruncated

	// Parser
	if len(over.Parser.Scanner.ArtifactTags) > 0 {
		out.Parser.Scanner.ArtifactTags = cloneStrings(over.Parser.Scanner.ArtifactTags)
	}
	if len(over.Parser.Scanner.ActionTags) > 0 {
		out.Parser.Scanner.ActionTags = cloneStrings(over.Parser.Scanner.ActionTags)
	}
	if over.Parser.Scanner.MaxTagBytes > 0 {
		out.Parser.Scanner.MaxTagBytes = over.Parser.Scanner.MaxTagBytes
	}
	out.Parser.Builder.Dedent = out.Parser.Builder.Dedent || over.Parser.Builder.Dedent
	if len(over.Parser.Validate.ManifestPatterns) > 0 {
		out.Parser.Validate.ManifestPatterns = cloneStrings(over.Parser.Validate.ManifestPatterns)
	}
	if over.Parser.MinOverlap > 0 {
		out.Parser.MinOverlap = over.Parser.MinOverlap
	}
	if over.Parser.MaxOverlap > 0 {
		out.Parser.MaxOverlap = over.Parser.MaxOverlap
	}

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Chunker, over.Components.Chunker)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Runner, over.Components.Runner)
	setStr(&out.Components.Writer, over.Components.Writer)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Chunker, over.Options.Chunker)
	setRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	setRaw(&out.Options.Runner, over.Options.Runner)
	setRaw(&out.Options.Writer, over.Options.Writer)

	setStr(&out.LLM, over.LLM)
	return out
}

// Unset 返回一个不覆盖任何字段的 Config，供 ENV/CLI 覆盖层作起点。
func Unset() Config {
	return Config{MaxRetries: -1, MaxContinuations: -1}
}

// EnvOverlay 从环境变量构建覆盖层（仅解析有限键集合，其余忽略）。
// 支持：INPUTS, WORK_DIR, STATE_DIR, CONCURRENCY, MAX_TOKENS, BYTES_PER_TOKEN, MAX_RETRIES,
// MAX_CONTINUATIONS, LLM, LOG_LEVEL, LOG_DIR, DRY_RUN, CONTINUE_ON_FAILURE, PROGRESSIVE,
// EXECUTE_TRUNCATED, COMPONENTS_*，
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := Unset()
	prov := map[string]Provider{}
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		val = strings.TrimSpace(val)
		if val == "" {
			// 空值视为未设置（.env 模板的占位行）
			continue
		}
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "WORK_DIR":
			over.WorkDir = val
		case "STATE_DIR":
			over.StateDir = val
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "MAX_TOKENS":
			over.MaxTokens, err = atoi(val)
		case "BYTES_PER_TOKEN":
			over.BytesPerToken, err = atoi(val)
		case "MAX_RETRIES":
			over.MaxRetries, err = atoi(val)
		case "MAX_CONTINUATIONS":
			over.MaxContinuations, err = atoi(val)
		case "LLM":
			over.LLM = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "DRY_RUN":
			over.Execution.DryRun, err = parseBool(val)
		case "CONTINUE_ON_FAILURE":
			over.Execution.ContinueOnFailure, err = parseBool(val)
		case "PROGRESSIVE":
			over.Execution.Progressive, err = parseBool(val)
		case "EXECUTE_TRUNCATED":
			over.Execution.ExecuteTruncated, err = parseBool(val)
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_CHUNKER":
			over.Components.Chunker = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		case "COMPONENTS_RUNNER":
			over.Components.Runner = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		default:
			if strings.HasPrefix(nk, "PROVIDER__") {
				err = providerEnv(prov, strings.TrimPrefix(nk, "PROVIDER__"), val)
			}
		}
		if err != nil {
			return over, fmt.Errorf("config: env %s: %w", key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// providerEnv 解析 <name>__<FIELD>；仅在发生有效变更时记录该 provider，避免空值覆盖配置文件。
func providerEnv(prov map[string]Provider, rest, val string) error {
	name, field, ok := strings.Cut(rest, "__")
	if !ok || name == "" || val == "" {
		return nil
	}
	p := prov[name]
	var err error
	switch field {
	case "CLIENT":
		p.Client = val
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(val)
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(val)
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(val)
	case "OPTIONS_JSON":
		if !json.Valid([]byte(val)) {
			return errors.New("invalid json")
		}
		p.Options = json.RawMessage(val)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	prov[name] = p
	return nil
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) { return strconv.Atoi(strings.TrimSpace(s)) }

func parseBool(s string) (bool, error) { return strconv.ParseBool(strings.TrimSpace(s)) }

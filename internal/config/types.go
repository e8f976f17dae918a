package config

import (
	"encoding/json"

	"artiflow/internal/session"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；JSON 与 YAML 共享同一严格解码，未知字段在解析期失败。
type Config struct {
	Inputs   []string `json:"inputs"`
	WorkDir  string   `json:"work_dir"`
	StateDir string   `json:"state_dir"`

	Concurrency int `json:"concurrency"`
	// MaxTokens: 单次请求的输出 token 上限（传给 openai/gemini 并参与 Gate 预扣）。
	MaxTokens     int `json:"max_tokens"`
	BytesPerToken int `json:"bytes_per_token"`
	// MaxRetries: 打开流失败时的重试次数（>=0）。0 表示不重试。
	MaxRetries       int `json:"max_retries"`
	MaxContinuations int `json:"max_continuations"`

	Logging   Logging         `json:"logging"`
	Execution Execution       `json:"execution"`
	Parser    session.Options `json:"parser"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 日志等级与落盘位置。
type Logging struct {
	Level   string `json:"level"`
	Dir     string `json:"dir"`
	File    string `json:"file"`
	Console bool   `json:"console"`
}

// Execution: 执行策略。
type Execution struct {
	DryRun            bool `json:"dry_run"`
	ContinueOnFailure bool `json:"continue_on_failure"`
	Progressive       bool `json:"progressive"`
	ExecuteTruncated  bool `json:"execute_truncated"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Chunker       string `json:"chunker"`
	PromptBuilder string `json:"prompt_builder"`
	Runner        string `json:"runner"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Chunker       json.RawMessage `json:"chunker,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Runner        json.RawMessage `json:"runner,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

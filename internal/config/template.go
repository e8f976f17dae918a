package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），动作在当前目录执行；
// - 选项给出所有键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Inputs = []string{"-"}
	cfg.LLM = "mock"
	cfg.Parser.Scanner.ArtifactTags = []string{"artifact", "boltArtifact"}
	cfg.Parser.Scanner.ActionTags = []string{"action", "boltAction"}
	cfg.Parser.Scanner.MaxTagBytes = 4096
	cfg.Parser.MinOverlap = 4
	cfg.Parser.MaxOverlap = 512
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"transcript":"","transcript_path":"","chunk_size":16,"truncate_every":0,"repeat_overlap":0,"interrupt":"eof","api_key":""}`),
			Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 16384},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {}
}`),
		},
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size":65536,"exclude_dir_names":[".git","node_modules"],"ignore":[],"extensions":[]}`)
	cfg.Options.Chunker = json.RawMessage(`{"size":64,"jitter":0,"seed":0}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{"inline_system_template":"","system_template_path":"","work_dir":"/home/project","artifact_tag":"","action_tag":""}`)
	cfg.Options.Runner = json.RawMessage(`{"shell":"sh","timeout_sec":600,"env":[],"max_output":1048576}`)
	cfg.Options.Writer = json.RawMessage(`{"atomic":true,"buf_size":65536}`)
	return cfg
}

// Render 以 json 或 yaml 输出配置。
func Render(cfg Config, format string) ([]byte, error) {
	js, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "json":
		return append(js, '\n'), nil
	case "yaml", "yml":
		// 经由通用结构转换，保证 RawMessage 子树输出为 YAML 映射
		var doc any
		if err := json.Unmarshal(js, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("config: unknown format %q", format)
}

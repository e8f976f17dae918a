package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadJSONAndYAMLAgree(t *testing.T) {
	js := writeFile(t, "c.json", `{
  "inputs": ["transcripts"],
  "concurrency": 3,
  "max_continuations": 0,
  "llm": "m",
  "provider": {"m": {"client": "mock", "options": {"chunk_size": 8}}},
  "parser": {"builder": {"dedent": true}, "min_overlap": 6},
  "options": {"chunker": {"size": 5}}
}`)
	ym := writeFile(t, "c.yaml", `
inputs: [transcripts]
concurrency: 3
max_continuations: 0
llm: m
provider:
  m:
    client: mock
    options:
      chunk_size: 8
parser:
  builder:
    dedent: true
  min_overlap: 6
options:
  chunker:
    size: 5
`)
	a, err := Load(js)
	require.NoError(t, err)
	b, err := Load(ym)
	require.NoError(t, err)

	assert.Equal(t, a.Inputs, b.Inputs)
	assert.Equal(t, 3, b.Concurrency)
	assert.Equal(t, 0, b.MaxContinuations)
	assert.Equal(t, -1, b.MaxRetries, "缺省字段保持未设置")
	assert.True(t, b.Parser.Builder.Dedent)
	assert.Equal(t, 6, b.Parser.MinOverlap)
	assert.JSONEq(t, string(a.Options.Chunker), string(b.Options.Chunker))
	assert.JSONEq(t, string(a.Provider["m"].Options), string(b.Provider["m"].Options))
}

func TestLoadRejectsUnknown(t *testing.T) {
	_, err := LoadJSON([]byte(`{"unknown":1}`))
	assert.Error(t, err)
	_, err = LoadYAML([]byte("parser:\n  nope: 1\n"))
	assert.Error(t, err)
	_, err = LoadJSON([]byte("  "))
	assert.Error(t, err)
	_, err = LoadYAML([]byte(""))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMergePrecedence(t *testing.T) {
	file, err := LoadJSON([]byte(`{"max_retries":0,"concurrency":4,"work_dir":"w","execution":{"progressive":true}}`))
	require.NoError(t, err)
	env, err := EnvOverlay([]string{"ARTIFLOW_CONCURRENCY=2", "ARTIFLOW_LLM=mock", "OTHER=1"})
	require.NoError(t, err)

	cfg := Merge(Merge(Defaults(), file), env)
	assert.Equal(t, 0, cfg.MaxRetries, "显式 0 覆盖默认值")
	assert.Equal(t, 2, cfg.MaxContinuations, "未设置保持默认")
	assert.Equal(t, 2, cfg.Concurrency, "ENV 优先于文件")
	assert.Equal(t, "w", cfg.WorkDir)
	assert.Equal(t, "mock", cfg.LLM)
	assert.True(t, cfg.Execution.Progressive)
	assert.Equal(t, "fixed", cfg.Components.Chunker)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"ARTIFLOW_INPUTS=a, b,",
		"ARTIFLOW_MAX_CONTINUATIONS=0",
		"ARTIFLOW_DRY_RUN=true",
		"ARTIFLOW_LOG_LEVEL=debug",
		"ARTIFLOW_COMPONENTS_RUNNER=shell",
		"ARTIFLOW_PROVIDER__m__CLIENT=mock",
		"ARTIFLOW_PROVIDER__m__LIMITS_RPM=10",
		`ARTIFLOW_PROVIDER__m__OPTIONS_JSON={"chunk_size":4}`,
		"ARTIFLOW_PROVIDER__empty__CLIENT=",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, over.Inputs)
	assert.Equal(t, 0, over.MaxContinuations)
	assert.Equal(t, -1, over.MaxRetries)
	assert.True(t, over.Execution.DryRun)
	assert.Equal(t, "debug", over.Logging.Level)
	assert.Equal(t, "shell", over.Components.Runner)
	require.Contains(t, over.Provider, "m")
	assert.NotContains(t, over.Provider, "empty")
	assert.Equal(t, 10, over.Provider["m"].Limits.RPM)
	assert.JSONEq(t, `{"chunk_size":4}`, string(over.Provider["m"].Options))

	_, err = EnvOverlay([]string{"ARTIFLOW_CONCURRENCY=x"})
	assert.Error(t, err)
	_, err = EnvOverlay([]string{"ARTIFLOW_PROVIDER__m__OPTIONS_JSON={"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ok := Defaults()
	require.NoError(t, Validate(ok))
	assert.Error(t, RequireLLM(ok))
	assert.Error(t, RequireInputs(ok))

	cases := map[string]func(c *Config){
		"dash mixed":    func(c *Config) { c.Inputs = []string{"-", "a"} },
		"empty input":   func(c *Config) { c.Inputs = []string{" "} },
		"concurrency":   func(c *Config) { c.Concurrency = 0 },
		"retries":       func(c *Config) { c.MaxRetries = -1 },
		"continuations": func(c *Config) { c.MaxContinuations = -1 },
		"work dir":      func(c *Config) { c.WorkDir = "" },
		"level":         func(c *Config) { c.Logging.Level = "loud" },
		"chunker":       func(c *Config) { c.Components.Chunker = "nope" },
		"provider":      func(c *Config) { c.LLM = "x" },
		"client": func(c *Config) {
			c.LLM = "x"
			c.Provider = map[string]Provider{"x": {Client: "nope"}}
		},
		"per req": func(c *Config) {
			c.LLM = "x"
			c.Provider = map[string]Provider{"x": {Client: "mock", Limits: Limits{MaxTokensPerReq: 10}}}
		},
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := Defaults()
			mut(&c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestAssembleParseOnly(t *testing.T) {
	cfg := Defaults()
	cfg.Inputs = []string{"x"}
	cfg.StateDir = t.TempDir()
	cfg.Execution.DryRun = true
	comp, set, err := Assemble(cfg, false)
	require.NoError(t, err)
	assert.NotNil(t, comp.Reader)
	assert.NotNil(t, comp.Chunker)
	assert.NotNil(t, comp.Store)
	assert.Nil(t, comp.Runner)
	assert.Nil(t, comp.Writer)
	assert.Nil(t, comp.LLM)
	assert.True(t, set.DryRun)
	assert.Equal(t, []string{"x"}, set.Inputs)
}

func TestAssembleWithLLM(t *testing.T) {
	cfg := Merge(Defaults(), DefaultTemplateConfig())
	cfg.WorkDir = t.TempDir()
	cfg.StateDir = ""
	cfg.Execution.ContinueOnFailure = true
	comp, set, err := Assemble(cfg, true)
	require.NoError(t, err)
	assert.NotNil(t, comp.LLM)
	assert.NotNil(t, comp.PromptBuilder)
	assert.NotNil(t, comp.Runner)
	assert.NotNil(t, comp.Writer)
	assert.Nil(t, comp.Store)
	assert.NotNil(t, set.Gate)
	assert.Contains(t, string(set.GateKey), "mock:")
	assert.True(t, set.Policy.ContinueOnFailure)
	assert.Equal(t, 8192, set.MaxOutputTokens)

	cfg.LLM = ""
	_, _, err = Assemble(cfg, true)
	assert.Error(t, err)
}

func TestAssembleRejectsBadOptions(t *testing.T) {
	cfg := Defaults()
	cfg.WorkDir = t.TempDir()
	cfg.StateDir = ""
	cfg.Options.Writer = json.RawMessage(`{"bogus":1}`)
	_, _, err := Assemble(cfg, false)
	assert.ErrorContains(t, err, "writer")
}

func TestWithDefault(t *testing.T) {
	raw, err := withDefault(nil, "work_dir", "/w")
	require.NoError(t, err)
	assert.JSONEq(t, `{"work_dir":"/w"}`, string(raw))

	raw, err = withDefault(json.RawMessage(`{"work_dir":"keep","shell":"bash"}`), "work_dir", "/w")
	require.NoError(t, err)
	assert.JSONEq(t, `{"work_dir":"keep","shell":"bash"}`, string(raw))

	raw, err = withDefault(json.RawMessage(`{"max_tokens":0}`), "max_tokens", 10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_tokens":10}`, string(raw))

	_, err = withDefault(json.RawMessage(`[1]`), "k", 1)
	assert.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	tpl := DefaultTemplateConfig()
	js, err := Render(tpl, "json")
	require.NoError(t, err)
	back, err := LoadJSON(js)
	require.NoError(t, err)
	assert.Equal(t, "mock", back.LLM)
	require.NoError(t, Validate(Merge(Defaults(), back)))

	ym, err := Render(tpl, "yaml")
	require.NoError(t, err)
	back, err = LoadYAML(ym)
	require.NoError(t, err)
	assert.Equal(t, tpl.Components, back.Components)
	assert.Equal(t, tpl.Parser.Scanner.ArtifactTags, back.Parser.Scanner.ArtifactTags)

	_, err = Render(tpl, "toml")
	assert.Error(t, err)
}

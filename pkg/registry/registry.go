package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"artiflow/pkg/contract"
	cfx "artiflow/plugins/chunker/fixed"
	flaky "artiflow/plugins/llmclient/flaky"
	gmi "artiflow/plugins/llmclient/gemini"
	mock "artiflow/plugins/llmclient/mock"
	oai "artiflow/plugins/llmclient/openai"
	pbolt "artiflow/plugins/prompt/bolt"
	rfs "artiflow/plugins/reader/filesystem"
	rsh "artiflow/plugins/runner/shell"
	wfs "artiflow/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewChunker 工厂签名：接收原样 JSON Options。
type NewChunker func(raw json.RawMessage) (contract.Chunker, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewStreamer 工厂签名：接收原样 JSON Options。
type NewStreamer func(raw json.RawMessage) (contract.Streamer, error)

// NewRunner 工厂签名：接收原样 JSON Options。
type NewRunner func(raw json.RawMessage) (contract.Runner, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN 转录 Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	// fixed: 定长（可抖动）字节切片
	"fixed": func(raw json.RawMessage) (contract.Chunker, error) {
		var opts cfx.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return cfx.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// bolt: artifact 协议提示词 + 续写提示
	"bolt": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pbolt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pbolt.New(&opts)
	},
}

// LLMClient 工厂注册表（流式）。
var LLMClient = map[string]NewStreamer{
	"openai": func(raw json.RawMessage) (contract.Streamer, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.Streamer, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.Streamer, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.Streamer, error) { return flaky.New(raw) },
}

// Runner 工厂注册表。
var Runner = map[string]NewRunner{
	// shell: `sh -c` 进程执行
	"shell": func(raw json.RawMessage) (contract.Runner, error) {
		var opts rsh.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rsh.New(&opts)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Names 返回注册表中的名称（排序后），用于校验与帮助信息。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

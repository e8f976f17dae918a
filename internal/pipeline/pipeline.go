// Package pipeline 编排一次完整运行：Prompt → (Gate) → LLM 流 → Session → Executor。
//
//   - 单点并发：仅 Replay 在不同转录之间起并发；每条流内部严格顺序推进。
//   - 独立实例：并发的流之间不共享任何可变解析状态。
//   - 截断续写：流在 Artifact 未闭合时结束，按 Token 发起续写，最多 MaxContinuations 次。
//   - 首错取消：Replay 中任一转录出现硬错误即取消其余转录。
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"artiflow/internal/executor"
	"artiflow/internal/rate"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

// Components 聚合运行所需的协作方。按命令不同，部分可为空。
type Components struct {
	Reader        contract.Reader
	Chunker       contract.Chunker
	PromptBuilder contract.PromptBuilder
	LLM           contract.Streamer
	Runner        contract.Runner
	Writer        contract.Writer
	// Store: 可选；非空时截断令牌会被持久化。
	Store *session.Store
}

// Settings 运行期配置。
type Settings struct {
	Inputs      []string
	Concurrency int
	Session     session.Options
	Policy      executor.Policy
	// DryRun: 只解析与校验，不执行任何动作。
	DryRun bool
	// Progressive: 动作一经提交并通过校验即执行。
	Progressive bool
	// ExecuteTruncated: 执行最终截断的 Artifact 中已提交的动作。
	ExecuteTruncated bool
	// MaxContinuations: 单次生成允许的续写次数（>=0）。
	MaxContinuations int
	// MaxRetries: 打开流失败时的重试次数（>=0）。
	MaxRetries   int
	RetryBackoff time.Duration
	// 预算：用于 Gate 的 token 预扣
	BytesPerToken   int
	MaxOutputTokens int
	Gate            rate.Gate
	GateKey         rate.LimitKey
}

// ArtifactReport: 单个 Artifact 的终态、诊断与执行结果。
type ArtifactReport struct {
	Artifact    contract.Artifact         `json:"artifact"`
	Diagnostics []contract.Diagnostic     `json:"diagnostics,omitempty"`
	Results     []contract.ActionResult   `json:"results,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// Report: 一条逻辑流的汇总。
type Report struct {
	Source        string                `json:"source"`
	Session       string                `json:"session"`
	Outcome       session.Outcome       `json:"outcome"`
	Continuations int                   `json:"continuations"`
	Trimmed       int                   `json:"trimmed_bytes"`
	Bytes         int                   `json:"bytes"`
	Artifacts     []ArtifactReport      `json:"artifacts"`
	Diagnostics   []contract.Diagnostic `json:"diagnostics,omitempty"`
	Prose         string                `json:"prose,omitempty"`
	Token         string                `json:"token,omitempty"`
	TokenPath     string                `json:"token_path,omitempty"`
}

// Failed 报告是否有动作失败或被取消。
func (r Report) Failed() bool {
	for _, a := range r.Artifacts {
		if a.Error != "" {
			return true
		}
		for _, res := range a.Results {
			if res.Status == contract.StatusFailed || res.Status == contract.StatusCancelled {
				return true
			}
		}
	}
	return false
}

// Blocked 报告是否存在被校验器禁用的动作。
func (r Report) Blocked() bool {
	for _, a := range r.Artifacts {
		if len(contract.BlockedActions(a.Diagnostics)) > 0 {
			return true
		}
	}
	return false
}

func sanity(c Components, s Settings, needLLM bool) error {
	if needLLM && (c.PromptBuilder == nil || c.LLM == nil) {
		return errors.New("pipeline: missing prompt builder or llm client")
	}
	if !needLLM && (c.Reader == nil || c.Chunker == nil) {
		return errors.New("pipeline: missing reader or chunker")
	}
	if !s.DryRun && (c.Runner == nil || c.Writer == nil) {
		return errors.New("pipeline: missing runner or writer")
	}
	if s.MaxContinuations < 0 || s.MaxRetries < 0 {
		return fmt.Errorf("pipeline: %w: negative continuation or retry budget", contract.ErrInvalidInput)
	}
	return nil
}

// prepare 将 Writer 的存在性查询接入校验器。
func prepare(c Components, s Settings) Settings {
	if s.Session.Validate.Exists != nil {
		return s
	}
	if ex, ok := c.Writer.(interface{ Exists(string) bool }); ok {
		s.Session.Validate.Exists = ex.Exists
	}
	return s
}

package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/Streamer 配对解释。
type Prompt any

// Message: 最小会话消息形状。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷。
type ChatPrompt []Message

// Request: 一次生成请求（用户意图 + 可选历史）。
type Request struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
}

// PromptBuilder: 构造首轮 Prompt 与续写 Prompt。
//   - 纯计算，不做 I/O；
//   - Continue 基于上一轮 Prompt 与助手已输出的部分文本构造续写请求。
type PromptBuilder interface {
	Build(ctx context.Context, req Request) (Prompt, error)
	Continue(ctx context.Context, prior Prompt, partial string) (Prompt, error)
}

// TokenEstimator: 文本→token 的近似估算函数。
type TokenEstimator func(s string) int

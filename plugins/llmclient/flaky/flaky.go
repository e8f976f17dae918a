package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"artiflow/pkg/contract"
	"artiflow/plugins/llmclient/mock"
)

// Options 定义可选项；Mock 为内层回放客户端的配置。
type Options struct {
	// RateLimited: 前 N 次调用返回 ErrRateLimited，默认 1。
	RateLimited *int `json:"rate_limited,omitempty"`
	// Unavailable: 随后 M 次调用返回 503 上游错误，默认 0。
	Unavailable int `json:"unavailable,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string          `json:"log_path,omitempty"`
	Mock    json.RawMessage `json:"mock,omitempty"`
}

// Client 是带状态的 Streamer：
// 先返回若干次限流与上游不可用，之后委托给 mock 回放。
type Client struct {
	inner       contract.Streamer
	rateLimited int32
	unavailable int32
	logPath     string
	count       atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.Streamer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	rl := 1
	if o.RateLimited != nil {
		rl = *o.RateLimited
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, rateLimited: int32(rl), unavailable: int32(o.Unavailable), logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// upstreamError 模拟 5xx，实现 net.Error 与 contract.UpstreamError。
type upstreamError struct{ status int }

func (e upstreamError) Error() string           { return fmt.Sprintf("flaky upstream %d", e.status) }
func (e upstreamError) Timeout() bool           { return false }
func (e upstreamError) Temporary() bool         { return true }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return http.StatusText(e.status) }

// Stream 实现 contract.Streamer。
func (c *Client) Stream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	n := c.count.Add(1)
	switch {
	case n <= c.rateLimited:
		c.log("rate_limited")
		return nil, contract.ErrRateLimited
	case n <= c.rateLimited+c.unavailable:
		c.log("unavailable")
		return nil, upstreamError{status: http.StatusServiceUnavailable}
	}
	c.log("ok")
	return c.inner.Stream(ctx, p)
}

var _ contract.Streamer = (*Client)(nil)

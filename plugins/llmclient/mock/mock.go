package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"artiflow/pkg/contract"
)

// DefaultTranscript: 未配置转录时回放的内置响应。
const DefaultTranscript = "Here is the setup.\n\n" +
	`<artifact id="hello-file" title="Hello file">` + "\n" +
	`  <action type="file" filePath="hello.txt">hello</action>` + "\n" +
	`  <action type="shell">cat hello.txt</action>` + "\n" +
	`</artifact>` + "\n"

// Options: 离线联调配置。
type Options struct {
	// Transcript / TranscriptPath: 回放的模型输出（二选一；均为空时使用 DefaultTranscript）。
	Transcript     string `json:"transcript"`
	TranscriptPath string `json:"transcript_path"`
	// ChunkSize: 每个片段的字节数，默认 16。
	ChunkSize int `json:"chunk_size"`
	// TruncateEvery: 单次流最多输出的字节数；0 表示不截断。
	TruncateEvery int `json:"truncate_every"`
	// RepeatOverlap: 续写流开头重复上一段末尾的字节数（模拟模型重复输出）。
	RepeatOverlap int `json:"repeat_overlap"`
	// Interrupt: 截断方式，"eof"（默认，正常结束）或 "error"（传输中断）。
	Interrupt string `json:"interrupt"`
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
}

// Client 按配置切片回放转录。
// 连续调用视为续写：从上次截断处（减去重复字节）继续；回放完毕后下一次调用从头开始。
type Client struct {
	text      string
	chunk     int
	every     int
	overlap   int
	interrupt bool

	mu    sync.Mutex
	pos   int
	calls int
}

func New(raw json.RawMessage) (contract.Streamer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	text := o.Transcript
	if text == "" && o.TranscriptPath != "" {
		b, err := os.ReadFile(o.TranscriptPath)
		if err != nil {
			return nil, fmt.Errorf("mock transcript: %w", err)
		}
		text = string(b)
	}
	if text == "" {
		text = DefaultTranscript
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 16
	}
	switch o.Interrupt {
	case "", "eof", "error":
	default:
		return nil, fmt.Errorf("mock: %w: unknown interrupt %q", contract.ErrInvalidInput, o.Interrupt)
	}
	return &Client{
		text:      text,
		chunk:     o.ChunkSize,
		every:     o.TruncateEvery,
		overlap:   o.RepeatOverlap,
		interrupt: o.Interrupt == "error",
	}, nil
}

var _ contract.Streamer = (*Client)(nil)

// Calls 返回累计 Stream 调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Stream 返回本次应回放的片段。
func (c *Client) Stream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.pos >= len(c.text) {
		c.pos = 0
	}
	start := c.pos
	if start > 0 {
		start -= c.overlap
		if start < 0 {
			start = 0
		}
	}
	end := len(c.text)
	if c.every > 0 && c.pos+c.every < end {
		end = c.pos + c.every
	}
	c.pos = end
	return &stream{
		ctx:       ctx,
		text:      c.text[start:end],
		chunk:     c.chunk,
		truncated: end < len(c.text),
		interrupt: c.interrupt,
	}, nil
}

type stream struct {
	ctx       context.Context
	text      string
	off       int
	chunk     int
	truncated bool
	interrupt bool
	closed    bool
}

func (s *stream) Next() (string, bool, error) {
	if s.closed {
		return "", false, io.ErrClosedPipe
	}
	if err := s.ctx.Err(); err != nil {
		return "", false, err
	}
	if s.off >= len(s.text) {
		if s.truncated && s.interrupt {
			return "", false, io.ErrUnexpectedEOF
		}
		return "", true, nil
	}
	end := s.off + s.chunk
	if end > len(s.text) {
		end = len(s.text)
	}
	out := s.text[s.off:end]
	s.off = end
	return out, false, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

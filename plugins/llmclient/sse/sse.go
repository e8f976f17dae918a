// Package sse 解析 text/event-stream 响应体，供各流式模型客户端复用。
package sse

import (
	"bufio"
	"io"
	"strings"
)

// DecodeFunc 解析单条 data 负载；done=true 表示上游显式结束。
type DecodeFunc func(data string) (chunk string, done bool, err error)

// Stream 实现 contract.RawStream。
type Stream struct {
	body        io.ReadCloser
	sc          *bufio.Scanner
	decode      DecodeFunc
	requireDone bool
	finished    bool
}

// New 包装响应体。requireDone=true 时，未见结束标记即 EOF 视为传输中断。
func New(body io.ReadCloser, decode DecodeFunc, requireDone bool) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &Stream{body: body, sc: sc, decode: decode, requireDone: requireDone}
}

// Next 返回下一个非空片段。
func (s *Stream) Next() (string, bool, error) {
	if s.finished {
		return "", true, nil
	}
	for s.sc.Scan() {
		line := s.sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// 注释、event:、id: 与空行
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "" {
			continue
		}
		chunk, done, err := s.decode(data)
		if err != nil {
			return "", false, err
		}
		if done {
			s.finished = true
			return chunk, true, nil
		}
		if chunk != "" {
			return chunk, false, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", false, err
	}
	if s.requireDone {
		return "", false, io.ErrUnexpectedEOF
	}
	s.finished = true
	return "", true, nil
}

// Close 关闭响应体。
func (s *Stream) Close() error { return s.body.Close() }

// Package session 把 Scanner、Builder、Validator 串成一条可挂起/恢复的解析流。
//
// End 观察到流结束时若仍有未闭合的 Artifact，则判定为 Truncated 并返回 Token；
// Resume 把 Token 恢复到全新的 Scanner/Builder 上，新流被当作旧字节流的直接延续。
// 新流开头若逐字重复了旧流末尾，重复部分在进入 Scanner 之前被丢弃。
package session

import (
	"fmt"

	"github.com/google/uuid"

	"artiflow/internal/builder"
	"artiflow/internal/scanner"
	"artiflow/internal/validate"
	"artiflow/pkg/contract"
)

// Outcome: 流结束时的分类。
type Outcome string

const (
	Complete  Outcome = "complete"
	Truncated Outcome = "truncated"
)

// 重叠检测默认值（字节）。
const (
	DefaultMinOverlap = 4
	DefaultMaxOverlap = 512
)

// Options: 会话配置。
type Options struct {
	Scanner    scanner.Options  `json:"scanner"`
	Builder    builder.Options  `json:"builder"`
	Validate   validate.Options `json:"validate"`
	MinOverlap int              `json:"min_overlap"`
	MaxOverlap int              `json:"max_overlap"`
}

func (o Options) normalized() Options {
	if o.MinOverlap <= 0 {
		o.MinOverlap = DefaultMinOverlap
	}
	if o.MaxOverlap <= 0 {
		o.MaxOverlap = DefaultMaxOverlap
	}
	if o.MaxOverlap < o.MinOverlap {
		o.MaxOverlap = o.MinOverlap
	}
	return o
}

// Session: 一条逻辑流。非并发安全；不同 Session 之间无共享状态。
type Session struct {
	id      string
	seq     int
	opts    Options
	sc      *scanner.Scanner
	b       *builder.Builder
	v       *validate.Validator
	tail    string
	probe   string
	probing bool
	trimmed int
	diags   []contract.Diagnostic
	ended   bool
}

// New 创建新会话。
func New(opts Options) *Session {
	opts = opts.normalized()
	return &Session{
		id:   uuid.NewString(),
		opts: opts,
		sc:   scanner.New(opts.Scanner),
		b:    builder.New(opts.Builder),
		v:    validate.New(opts.Validate),
	}
}

// Resume 从 Token 恢复出一个全新会话，继续解析同一文档。
func Resume(tok *Token, opts Options) (*Session, error) {
	if tok == nil || tok.st.Version != tokenVersion || tok.st.Builder.Artifact == nil {
		return nil, fmt.Errorf("session: %w", contract.ErrTokenInvalid)
	}
	s := New(opts)
	s.id = tok.st.Session
	s.seq = tok.st.Seq + 1
	s.sc.Restore(tok.st.Scanner)
	s.b.Restore(tok.st.Builder)
	s.v.Replay(*tok.st.Builder.Artifact)
	s.tail = tok.st.Tail
	s.probing = s.tail != ""
	s.diags = cloneDiags(tok.st.Diagnostics)
	return s, nil
}

// ID 返回会话标识（续写后保持不变）。
func (s *Session) ID() string { return s.id }

// Continuations 返回本会话之前已发生的续写次数。
func (s *Session) Continuations() int { return s.seq }

// Trimmed 返回重叠检测丢弃的字节数。
func (s *Session) Trimmed() int { return s.trimmed }

// Snapshot 返回活动 Artifact 的已提交动作视图。
func (s *Session) Snapshot() builder.Snapshot { return s.b.Snapshot() }

// Diagnostics 返回活动 Artifact 迄今累计的诊断。
func (s *Session) Diagnostics() []contract.Diagnostic { return cloneDiags(s.diags) }

// Feed 推进一个片段，返回由此确定的有序输出。
func (s *Session) Feed(chunk string) []builder.Output {
	if s.ended {
		return nil
	}
	if !s.probing {
		return s.feed(chunk)
	}
	s.probe += chunk
	if len(s.probe) < len(s.tail) {
		return nil
	}
	return s.feed(s.settle())
}

// End 处理上游显式 EOF。Artifact 仍开放时返回 Truncated 与 Token，会话可随后 Terminate；
// 否则返回 Complete，剩余缓冲作为文本输出。
func (s *Session) End() (Outcome, *Token, []builder.Output) {
	if s.ended {
		return Complete, nil, nil
	}
	var out []builder.Output
	if s.probing {
		out = s.feed(s.settle())
	}
	if s.b.Open() {
		return Truncated, s.capture(), out
	}
	out = append(out, s.flush()...)
	s.ended = true
	return Complete, nil, out
}

// Terminate 宣告流永久结束（不再续写）：未闭合的 Artifact 进入 truncated 终态。
func (s *Session) Terminate() []builder.Output {
	if s.ended {
		return nil
	}
	var out []builder.Output
	if s.probing {
		out = s.feed(s.settle())
	}
	out = append(out, s.flush()...)
	n := len(out)
	out = s.b.Terminate(out)
	for i := n; i < len(out); i++ {
		s.annotate(&out[i])
	}
	s.ended = true
	return out
}

func (s *Session) feed(chunk string) []builder.Output {
	if chunk == "" {
		return nil
	}
	s.remember(chunk)
	var out []builder.Output
	for _, ev := range s.sc.Feed(chunk) {
		n := len(out)
		out = s.b.Push(out, ev)
		for i := n; i < len(out); i++ {
			s.annotate(&out[i])
		}
	}
	return out
}

func (s *Session) flush() []builder.Output {
	var out []builder.Output
	for _, ev := range s.sc.Flush() {
		n := len(out)
		out = s.b.Push(out, ev)
		for i := n; i < len(out); i++ {
			s.annotate(&out[i])
		}
	}
	return out
}

// annotate 为装配输出附加校验诊断，并维护活动 Artifact 的诊断累计。
func (s *Session) annotate(o *builder.Output) {
	var add []contract.Diagnostic
	switch o.Kind {
	case builder.ArtifactOpened:
		s.diags = nil
		add = s.v.Begin(o.Artifact)
	case builder.ActionCommitted:
		add = s.v.Observe(o.Action)
	case builder.ArtifactClosed, builder.ArtifactTruncated:
		add = s.v.Finalize(o.Artifact)
	case builder.DiagnosticRaised:
		if o.Artifact.State == contract.StateOpen {
			s.diags = append(s.diags, o.Diagnostics...)
		}
		return
	}
	at := s.b.Cursor()
	for i := range add {
		if add[i].Offset == 0 {
			add[i].Offset = at
		}
	}
	o.Diagnostics = append(o.Diagnostics, add...)
	switch o.Kind {
	case builder.ArtifactClosed, builder.ArtifactTruncated, builder.ArtifactDiscarded:
		s.diags = nil
	default:
		s.diags = append(s.diags, add...)
	}
}

func (s *Session) remember(chunk string) {
	t := s.tail + chunk
	if len(t) > s.opts.MaxOverlap {
		t = t[len(t)-s.opts.MaxOverlap:]
	}
	s.tail = t
}

// settle 结束重叠探测：丢弃新流开头与旧流末尾重复的部分。
func (s *Session) settle() string {
	p := s.probe
	s.probe, s.probing = "", false
	k := overlap(s.tail, p, s.opts.MinOverlap)
	s.trimmed += k
	return p[k:]
}

func (s *Session) capture() *Token {
	return &Token{st: tokenState{
		Version:     tokenVersion,
		Session:     s.id,
		Seq:         s.seq,
		Scanner:     s.sc.State(),
		Builder:     s.b.State(),
		Tail:        s.tail,
		Diagnostics: cloneDiags(s.diags),
	}}
}

func cloneDiags(d []contract.Diagnostic) []contract.Diagnostic {
	if len(d) == 0 {
		return nil
	}
	return append([]contract.Diagnostic(nil), d...)
}

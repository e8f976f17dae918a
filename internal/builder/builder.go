// Package builder 将词法事件装配为 Artifact/Action 树。
//
// 任一时刻最多一个活动 Artifact；内部状态（元素栈、进行中缓冲、已提交游标）为可序列化的
// 普通数据，可被导出并恢复到新的 Builder 上继续装配。
package builder

import (
	"fmt"
	"strings"

	"artiflow/internal/scanner"
	"artiflow/pkg/contract"
)

// Frame: 打开中的元素。
type Frame struct {
	Name   string            `json:"name"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Offset int64             `json:"offset"`
}

// State: Parse State。
//   - Stack: 打开中的元素（[artifact] 或 [artifact, action]）；
//   - Artifact: 活动 Artifact 及其已提交 Actions；
//   - Buffer: 进行中 Action 的正文；
//   - Cursor: 最后一个完整提交（开/闭标签）的结束字节偏移；
//   - Resumed: 续写后尚未看到实质内容。
type State struct {
	Stack    []Frame            `json:"stack,omitempty"`
	Artifact *contract.Artifact `json:"artifact,omitempty"`
	Buffer   string             `json:"buffer"`
	Cursor   int64              `json:"cursor"`
	Resumed  bool               `json:"resumed,omitempty"`
}

// Options: 装配选项。
type Options struct {
	// Dedent: 提交 file 动作时去掉首个换行与公共缩进。
	Dedent bool `json:"dedent"`
}

// OutputKind: 装配输出种类。
type OutputKind int

const (
	ArtifactOpened OutputKind = iota + 1
	ActionCommitted
	ArtifactClosed
	ArtifactTruncated
	ArtifactDiscarded
	DiagnosticRaised
	Prose
)

// Output: 有序装配输出。
//   - Artifact: Opened/Closed/Truncated/Discarded 时为快照；Committed 时仅含 ID/Title；
//   - Action: Committed 时的新动作；
//   - Diagnostics: 此刻产生的诊断（Builder 自身或上层校验器附加）；
//   - Text: Prose 时为 Artifact 外的文本。
type Output struct {
	Kind        OutputKind
	Artifact    contract.Artifact
	Action      contract.Action
	Diagnostics []contract.Diagnostic
	Text        string
}

// Snapshot: 当前已提交动作的不可变视图。
type Snapshot struct {
	ArtifactID string
	Title      string
	Actions    []contract.Action
	Open       bool
}

// Builder: 增量装配器。非并发安全。
type Builder struct {
	opts Options
	st   State
}

// New 创建空 Builder。
func New(opts Options) *Builder { return &Builder{opts: opts} }

// State 导出 Parse State（深拷贝）。
func (b *Builder) State() State { return cloneState(b.st) }

// Restore 从导出的状态继续；之后的首个开标签按续写规则处理。
func (b *Builder) Restore(st State) {
	b.st = cloneState(st)
	b.st.Resumed = b.st.Artifact != nil
}

// Open 报告是否存在未闭合的 Artifact。
func (b *Builder) Open() bool { return b.st.Artifact != nil }

// Cursor 返回最后一个完整提交的结束字节偏移。
func (b *Builder) Cursor() int64 { return b.st.Cursor }

// InAction 报告是否处于 Action 正文中。
func (b *Builder) InAction() bool {
	n := len(b.st.Stack)
	return n > 0 && b.st.Stack[n-1].Name == scanner.NameAction
}

// Snapshot 返回已提交动作与开放状态。
func (b *Builder) Snapshot() Snapshot {
	a := b.st.Artifact
	if a == nil {
		return Snapshot{}
	}
	c := a.Clone()
	return Snapshot{ArtifactID: c.ID, Title: c.Title, Actions: c.Actions, Open: true}
}

// Push 消费一个事件，把产生的输出追加到 out 并返回。
func (b *Builder) Push(out []Output, ev scanner.Event) []Output {
	switch ev.Kind {
	case scanner.Text:
		return b.text(out, ev)
	case scanner.Malformed:
		// 正文中的畸形片段视作内容，随后的 Text 事件会携带原文。
		if b.InAction() {
			return out
		}
		b.st.Resumed = false
		return append(out, b.diagOut(contract.DiagMalformedTag, contract.SeverityWarning, contract.NoAction, ev.Offset,
			fmt.Sprintf("malformed tag %q: %s", ev.Raw, ev.Reason)))
	case scanner.OpenTag:
		return b.open(out, ev)
	case scanner.CloseTag:
		return b.close(out, ev)
	}
	return out
}

// Terminate 宣告流永久结束：未闭合的 Artifact 进入 truncated 终态，进行中的 Action 丢弃。
func (b *Builder) Terminate(out []Output) []Output {
	a := b.st.Artifact
	if a == nil {
		return out
	}
	a.State = contract.StateTruncated
	out = append(out, Output{Kind: ArtifactTruncated, Artifact: a.Clone()})
	b.st.Artifact = nil
	b.st.Stack = nil
	b.st.Buffer = ""
	b.st.Resumed = false
	return out
}

func (b *Builder) text(out []Output, ev scanner.Event) []Output {
	if b.st.Resumed && strings.TrimSpace(ev.Text) != "" {
		b.st.Resumed = false
	}
	if b.InAction() {
		b.st.Buffer += ev.Text
		return out
	}
	if b.st.Artifact != nil {
		// Artifact 内、Action 之间的文本仅为排版。
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == Prose {
		out[n-1].Text += ev.Text
		return out
	}
	return append(out, Output{Kind: Prose, Text: ev.Text})
}

func (b *Builder) open(out []Output, ev scanner.Event) []Output {
	resumed := b.st.Resumed
	b.st.Resumed = false
	if resumed && ev.Name == scanner.NameArtifact && b.st.Artifact != nil && b.st.Artifact.ID == ev.Attrs["id"] {
		// 续写流重复了同一 Artifact 的开标签：吸收，并允许随后重开未完成的 Action。
		b.st.Resumed = true
		return out
	}
	if b.InAction() {
		top := b.st.Stack[len(b.st.Stack)-1]
		if resumed && ev.Name == scanner.NameAction && sameAttrs(top.Attrs, ev.Attrs) {
			// 续写流重新打开了同一个未完成的 Action：从头接收正文。
			b.st.Buffer = ""
			b.st.Cursor = ev.Offset + int64(len(ev.Raw))
			return out
		}
		b.st.Buffer += ev.Raw
		return out
	}
	switch ev.Name {
	case scanner.NameArtifact:
		if a := b.st.Artifact; a != nil {
			a.State = contract.StateDiscarded
			out = append(out, Output{Kind: ArtifactDiscarded, Artifact: a.Clone()})
			out = append(out, b.diagOut(contract.DiagDiscardedArtifact, contract.SeverityWarning, contract.NoAction, ev.Offset,
				fmt.Sprintf("artifact %q discarded unfinished after %d actions", a.ID, len(a.Actions))))
		}
		b.st.Artifact = &contract.Artifact{
			ID:      ev.Attrs["id"],
			Title:   ev.Attrs["title"],
			Actions: []contract.Action{},
			State:   contract.StateOpen,
		}
		b.st.Stack = []Frame{{Name: scanner.NameArtifact, Attrs: copyAttrs(ev.Attrs), Offset: ev.Offset}}
		b.st.Buffer = ""
		b.st.Cursor = ev.Offset + int64(len(ev.Raw))
		return append(out, Output{Kind: ArtifactOpened, Artifact: b.st.Artifact.Clone()})
	case scanner.NameAction:
		if b.st.Artifact == nil {
			out = b.text(out, scanner.Event{Kind: scanner.Text, Text: ev.Raw, Offset: ev.Offset})
			return append(out, b.diagOut(contract.DiagMalformedTag, contract.SeverityWarning, contract.NoAction, ev.Offset,
				"action tag outside of an artifact"))
		}
		b.st.Stack = append(b.st.Stack, Frame{Name: scanner.NameAction, Attrs: copyAttrs(ev.Attrs), Offset: ev.Offset})
		b.st.Buffer = ""
		b.st.Cursor = ev.Offset + int64(len(ev.Raw))
	}
	return out
}

func (b *Builder) close(out []Output, ev scanner.Event) []Output {
	b.st.Resumed = false
	if b.InAction() {
		if ev.Name != scanner.NameAction {
			b.st.Buffer += ev.Raw
			return out
		}
		top := b.st.Stack[len(b.st.Stack)-1]
		b.st.Stack = b.st.Stack[:len(b.st.Stack)-1]
		act := b.commit(top)
		b.st.Buffer = ""
		b.st.Cursor = ev.Offset + int64(len(ev.Raw))
		return append(out, Output{
			Kind:     ActionCommitted,
			Artifact: contract.Artifact{ID: b.st.Artifact.ID, Title: b.st.Artifact.Title, State: contract.StateOpen},
			Action:   act.Clone(),
		})
	}
	if ev.Name == scanner.NameArtifact && b.st.Artifact != nil {
		a := b.st.Artifact
		a.State = contract.StateClosed
		b.st.Artifact = nil
		b.st.Stack = nil
		b.st.Cursor = ev.Offset + int64(len(ev.Raw))
		return append(out, Output{Kind: ArtifactClosed, Artifact: a.Clone()})
	}
	out = b.text(out, scanner.Event{Kind: scanner.Text, Text: ev.Raw, Offset: ev.Offset})
	return append(out, b.diagOut(contract.DiagMalformedTag, contract.SeverityWarning, contract.NoAction, ev.Offset,
		fmt.Sprintf("unexpected closing tag %q", ev.Raw)))
}

// commit 把进行中的 Action 追加到活动 Artifact。
func (b *Builder) commit(f Frame) contract.Action {
	a := b.st.Artifact
	act := contract.Action{Index: len(a.Actions), Type: f.Attrs["type"], FilePath: f.Attrs["filePath"]}
	for k, v := range f.Attrs {
		if k == "type" || k == "filePath" {
			continue
		}
		if act.Attrs == nil {
			act.Attrs = map[string]string{}
		}
		act.Attrs[k] = v
	}
	body := b.st.Buffer
	switch act.Kind() {
	case contract.KindShell:
		act.Command = body
	case contract.KindFile:
		if b.opts.Dedent {
			body = Dedent(body)
		}
		act.Content = body
	default:
		act.Content = body
	}
	a.Actions = append(a.Actions, act)
	return act
}

// diagOut 生成诊断输出；存在活动 Artifact 时 Output.Artifact 携带其标识与状态。
func (b *Builder) diagOut(kind contract.DiagKind, sev contract.Severity, action int, off int64, msg string) Output {
	o := Output{Kind: DiagnosticRaised}
	if a := b.st.Artifact; a != nil {
		o.Artifact = contract.Artifact{ID: a.ID, Title: a.Title, State: a.State}
	}
	o.Diagnostics = []contract.Diagnostic{{
		Kind: kind, Severity: sev, ArtifactID: o.Artifact.ID, Action: action, Offset: off, Message: msg,
	}}
	return o
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func copyAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneState(s State) State {
	c := s
	if s.Stack != nil {
		c.Stack = make([]Frame, len(s.Stack))
		for i, f := range s.Stack {
			c.Stack[i] = Frame{Name: f.Name, Attrs: copyAttrs(f.Attrs), Offset: f.Offset}
		}
	}
	if s.Artifact != nil {
		a := s.Artifact.Clone()
		c.Artifact = &a
	}
	return c
}

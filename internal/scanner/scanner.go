// Package scanner 将任意切分的文本片段转换为词法事件。
//
// 只识别两类标签（artifact/action 及其别名）；其余内容（含未知标签）一律作为 Text 透传。
// 片段边界可以落在任何位置（标签名、属性值、多字节字符中间），未完成的部分缓存在
// 内部缓冲中，直到后续片段补齐。属性语法错误产生 Malformed 事件并把出错片段当作文本重新同步。
package scanner

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// 规范化后的标签名（别名统一映射到这两个名字）。
const (
	NameArtifact = "artifact"
	NameAction   = "action"
)

// DefaultMaxTagBytes: 单个标签的最大字节数，超过即判定为畸形。
const DefaultMaxTagBytes = 4096

// Kind: 词法事件种类。
type Kind int

const (
	OpenTag Kind = iota + 1
	CloseTag
	Text
	Malformed
)

func (k Kind) String() string {
	switch k {
	case OpenTag:
		return "open"
	case CloseTag:
		return "close"
	case Text:
		return "text"
	case Malformed:
		return "malformed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event: 词法事件。
//   - OpenTag/CloseTag: Name 为规范化标签名，Raw 为源文本；
//   - Text: Text 为原文；
//   - Malformed: Raw 为出错片段，Reason 为原因；其后紧跟一个同内容的 Text 事件。
type Event struct {
	Kind   Kind
	Name   string
	Attrs  map[string]string
	Text   string
	Raw    string
	Reason string
	Offset int64
}

// Options: 扫描器配置。标签名区分大小写。
type Options struct {
	ArtifactTags []string `json:"artifact_tags"`
	ActionTags   []string `json:"action_tags"`
	MaxTagBytes  int      `json:"max_tag_bytes"`
}

// State: 可序列化的扫描状态（未消费的缓冲及其起始偏移）。
type State struct {
	Pending string `json:"pending"`
	Offset  int64  `json:"offset"`
}

// Scanner: 增量扫描器。非并发安全，一个实例只服务一条流。
type Scanner struct {
	names  map[string]string
	maxTag int
	buf    string
	off    int64
}

// New 创建扫描器；未指定标签名时使用 artifact/action。
func New(opts Options) *Scanner {
	s := &Scanner{names: map[string]string{}, maxTag: opts.MaxTagBytes}
	if s.maxTag <= 0 {
		s.maxTag = DefaultMaxTagBytes
	}
	arts, acts := opts.ArtifactTags, opts.ActionTags
	if len(arts) == 0 {
		arts = []string{NameArtifact}
	}
	if len(acts) == 0 {
		acts = []string{NameAction}
	}
	for _, n := range arts {
		s.names[n] = NameArtifact
	}
	for _, n := range acts {
		s.names[n] = NameAction
	}
	return s
}

// State 导出当前扫描状态。
func (s *Scanner) State() State { return State{Pending: s.buf, Offset: s.off} }

// Restore 以先前导出的状态覆盖当前状态。
func (s *Scanner) Restore(st State) {
	s.buf = st.Pending
	s.off = st.Offset
}

// Offset 返回已消费（已产出事件）的字节数。
func (s *Scanner) Offset() int64 { return s.off }

// Feed 追加一个片段并返回由此可以确定的全部事件。
func (s *Scanner) Feed(chunk string) []Event {
	s.buf += chunk
	var out []Event
	textStart := 0
	emitText := func(end int) {
		if end > textStart {
			out = append(out, Event{Kind: Text, Text: s.buf[textStart:end], Offset: s.off + int64(textStart)})
		}
	}
	i := 0
	for i < len(s.buf) {
		lt := strings.IndexByte(s.buf[i:], '<')
		if lt < 0 {
			break
		}
		i += lt
		ev, n, st := s.lexTag(s.buf[i:])
		switch st {
		case lexNeedMore:
			emitText(i)
			s.consume(i)
			return out
		case lexNotTag:
			i++
			continue
		case lexOK:
			emitText(i)
			ev.Raw = s.buf[i : i+n]
			ev.Offset = s.off + int64(i)
			out = append(out, ev)
		case lexBad:
			emitText(i)
			raw := s.buf[i : i+n]
			at := s.off + int64(i)
			out = append(out,
				Event{Kind: Malformed, Raw: raw, Reason: ev.Reason, Offset: at},
				Event{Kind: Text, Text: raw, Offset: at})
		}
		i += n
		textStart = i
	}
	end := holdBackRune(s.buf, textStart, len(s.buf))
	emitText(end)
	s.consume(end)
	return out
}

// Flush 在流的最终结束时调用：缓冲中剩余的字节全部作为文本输出。
func (s *Scanner) Flush() []Event {
	if s.buf == "" {
		return nil
	}
	ev := Event{Kind: Text, Text: s.buf, Offset: s.off}
	s.consume(len(s.buf))
	return []Event{ev}
}

func (s *Scanner) consume(n int) {
	s.buf = s.buf[n:]
	s.off += int64(n)
}

type lexStatus int

const (
	lexNeedMore lexStatus = iota
	lexNotTag
	lexOK
	lexBad
)

// lexTag 解析以 '<' 开头的候选标签。返回事件、消耗字节数与状态。
// 判定只依赖字节内容（含 maxTag 截断），与片段边界无关。
func (s *Scanner) lexTag(src string) (Event, int, lexStatus) {
	limited := false
	if len(src) > s.maxTag {
		src = src[:s.maxTag]
		limited = true
	}
	i := 1
	closing := false
	if i < len(src) && src[i] == '/' {
		closing = true
		i++
	}
	start := i
	for i < len(src) && isNameByte(src[i]) {
		i++
	}
	name := src[start:i]
	if i == len(src) {
		if !limited && s.isNamePrefix(name) {
			return Event{}, 0, lexNeedMore
		}
		return Event{}, 0, lexNotTag
	}
	canon, ok := s.names[name]
	if !ok {
		return Event{}, 0, lexNotTag
	}
	nameEnd := i
	bad := func(n int, format string, args ...any) (Event, int, lexStatus) {
		if n < nameEnd {
			n = nameEnd
		}
		return Event{Reason: fmt.Sprintf(format, args...)}, n, lexBad
	}
	more := func() (Event, int, lexStatus) {
		if limited {
			return bad(nameEnd, "tag <%s> exceeds %d bytes", name, s.maxTag)
		}
		return Event{}, 0, lexNeedMore
	}

	if closing {
		i = skipSpace(src, i)
		if i == len(src) {
			return more()
		}
		if src[i] != '>' {
			return bad(i, "unexpected %q in closing tag </%s>", src[i], name)
		}
		return Event{Kind: CloseTag, Name: canon}, i + 1, lexOK
	}

	attrs := map[string]string{}
	for {
		j := skipSpace(src, i)
		if j == len(src) {
			return more()
		}
		c := src[j]
		if c == '>' {
			return Event{Kind: OpenTag, Name: canon, Attrs: attrs}, j + 1, lexOK
		}
		if c == '/' {
			if j+1 == len(src) {
				return more()
			}
			if src[j+1] == '>' {
				return bad(j+2, "self-closing <%s/> is not supported", name)
			}
			return bad(j+1, "unexpected '/' in <%s>", name)
		}
		if j == i {
			return bad(j+1, "unexpected %q in <%s>", c, name)
		}
		k := j
		for k < len(src) && isAttrNameByte(src[k]) {
			k++
		}
		if k == j {
			return bad(j+1, "unexpected %q in <%s>", c, name)
		}
		if k == len(src) {
			return more()
		}
		key := src[j:k]
		m := skipSpace(src, k)
		if m == len(src) {
			return more()
		}
		if src[m] != '=' {
			return bad(m, "attribute %q has no value", key)
		}
		m = skipSpace(src, m+1)
		if m == len(src) {
			return more()
		}
		q := src[m]
		if q != '"' && q != '\'' {
			return bad(m, "attribute %q value is not quoted", key)
		}
		end := strings.IndexByte(src[m+1:], q)
		if end < 0 {
			return more()
		}
		if _, dup := attrs[key]; dup {
			return bad(m+1+end+1, "duplicate attribute %q", key)
		}
		attrs[key] = html.UnescapeString(src[m+1 : m+1+end])
		i = m + 1 + end + 1
	}
}

func (s *Scanner) isNamePrefix(p string) bool {
	for n := range s.names {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == ':'
}

func isAttrNameByte(c byte) bool { return isNameByte(c) || c == '.' }

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\f':
			i++
		default:
			return i
		}
	}
	return i
}

// holdBackRune 不在多字节字符中间切出文本事件。
func holdBackRune(s string, from, end int) int {
	if end <= from {
		return end
	}
	r := end - 1
	for r > from && end-r < utf8.UTFMax && !utf8.RuneStart(s[r]) {
		r--
	}
	if !utf8.FullRuneInString(s[r:end]) {
		return r
	}
	return end
}

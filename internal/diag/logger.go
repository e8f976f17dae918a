package diag

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 默认日志位置：logs/artiflow.log，15MB 轮转，保留 3 份 / 28 天，压缩历史文件。
const (
	DefaultLogDir  = "logs"
	DefaultLogFile = "artiflow.log"
)

// Options 描述日志输出端。
//   - Level: debug|info|warn|error（默认 info）；
//   - Dir/File: 轮转文件位置；DisableFile=true 时不写文件；
//   - Console: 非空时额外以文本格式输出（通常为 stderr）；
//   - Writers: 额外的 JSON 输出端（测试或旁路采集）。
type Options struct {
	Level       string
	Dir         string
	File        string
	DisableFile bool
	Console     io.Writer
	Writers     []io.Writer
}

// Logger 为结构化日志器：事件经 slog 扇出到轮转文件、控制台等多个端。
type Logger struct {
	corrID string
	level  *slog.LevelVar
	sl     *slog.Logger
	closer io.Closer
}

// NewLogger 以默认文件位置初始化。
func NewLogger(corrID, level string) *Logger {
	return New(corrID, Options{Level: level})
}

// New 按 Options 组装 handler 扇出。
func New(corrID string, opts Options) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: lv}

	var handlers []slog.Handler
	var closer io.Closer
	if !opts.DisableFile {
		dir, name := opts.Dir, opts.File
		if strings.TrimSpace(dir) == "" {
			dir = DefaultLogDir
		}
		if strings.TrimSpace(name) == "" {
			name = DefaultLogFile
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    15,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(lj, hopts))
		closer = lj
	}
	if opts.Console != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Console, hopts))
	}
	for _, w := range opts.Writers {
		handlers = append(handlers, slog.NewJSONHandler(w, hopts))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewJSONHandler(os.Stderr, hopts))
	}
	return &Logger{
		corrID: corrID,
		level:  lv,
		sl:     slog.New(slogmulti.Fanout(handlers...)).With("corr_id", corrID),
		closer: closer,
	}
}

// Discard 返回丢弃所有事件的日志器。
func Discard() *Logger {
	return New("", Options{DisableFile: true, Writers: []io.Writer{io.Discard}})
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// SetLevel 运行期调整级别。
func (l *Logger) SetLevel(level string) {
	if l != nil {
		l.level.Set(parseLevel(level))
	}
}

// Slog 暴露底层 slog.Logger，供需要原生接口的组件使用。
func (l *Logger) Slog() *slog.Logger { return l.sl }

// Close 关闭文件输出端。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Event 为标准事件结构。
type Event struct {
	Comp     string
	Stage    string // start|finish|error|note
	Code     string
	DurMS    int64
	Count    int64
	Source   string
	Artifact string
	Msg      string
	KV       map[string]string
}

func (l *Logger) log(lv slog.Level, ev Event) {
	if l == nil {
		return
	}
	ctx := context.Background()
	if !l.sl.Enabled(ctx, lv) {
		return
	}
	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs, slog.String("comp", ev.Comp), slog.String("stage", ev.Stage))
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.Source != "" {
		attrs = append(attrs, slog.String("source", ev.Source))
	}
	if ev.Artifact != "" {
		attrs = append(attrs, slog.String("artifact_id", ev.Artifact))
	}
	if len(ev.KV) > 0 {
		kv := make([]any, 0, len(ev.KV))
		for k, v := range ev.KV {
			kv = append(kv, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("kv", kv...))
	}
	l.sl.LogAttrs(ctx, lv, ev.Msg, attrs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 source/artifact 的 start。
func (l *Logger) StartWith(comp, msg, source, artifact string) *Timer {
	return l.StartWithKV(comp, msg, source, artifact, nil)
}

// StartWithKV 记录带 source/artifact 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, source, artifact string, kv map[string]string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Source: source, Artifact: artifact, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, source: source, artifact: artifact, t0: time.Now()}
}

// DebugStart 输出调试级别的 start 事件。
func (l *Logger) DebugStart(comp, msg, source, artifact string, kv map[string]string) {
	l.log(slog.LevelDebug, Event{Comp: comp, Stage: "start", Source: source, Artifact: artifact, Msg: msg, KV: kv})
}

// Note 记录一条 info 级别的过程事件。
func (l *Logger) Note(comp, msg, source, artifact string, kv map[string]string) {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "note", Source: source, Artifact: artifact, Msg: msg, KV: kv})
}

// Warn 记录 warn 事件（例如校验诊断）。
func (l *Logger) Warn(comp, msg, source, artifact string, kv map[string]string) {
	l.log(slog.LevelWarn, Event{Comp: comp, Stage: "note", Source: source, Artifact: artifact, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 source/artifact。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, source, artifact string) {
	l.ErrorWithKV(comp, code, msg, durSince, source, artifact, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、退出码）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, source, artifact string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Source: source, Artifact: artifact, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l        *Logger
	comp     string
	source   string
	artifact string
	t0       time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.log(slog.LevelInfo, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Source: t.source, Artifact: t.artifact, Msg: msg})
	ObserveDuration(t.comp, "finish", dur)
}

// Since 返回计时起点（用于 Error 的 durSince）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

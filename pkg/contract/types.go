package contract

import "time"

// ActionKind: 受支持的动作种类。未识别的 type 属性对应空 Kind。
type ActionKind string

const (
	KindShell ActionKind = "shell"
	KindFile  ActionKind = "file"
)

// ArtifactState: Artifact 生命周期状态。
type ArtifactState string

const (
	// StateOpen: 已识别开标签，仍在追加 Action。
	StateOpen ArtifactState = "open"
	// StateClosed: 已识别闭标签，不可变。
	StateClosed ArtifactState = "closed"
	// StateTruncated: 流被宣告永久结束但未闭合（终态）。
	StateTruncated ArtifactState = "truncated"
	// StateDiscarded: 被新的 Artifact 开标签替换而放弃。
	StateDiscarded ArtifactState = "discarded"
)

// Action: Artifact 内的单步动作（shell 命令组或整文件写入）。
//   - Index 为作者书写顺序（0 起），亦即执行顺序；续写后不复用；
//   - Type 保留原始 type 属性值，Kind() 给出识别后的种类；
//   - shell 的正文存放于 Command，其余种类存放于 Content（逐字保留空白）。
type Action struct {
	Index    int               `json:"index"`
	Type     string            `json:"type"`
	FilePath string            `json:"file_path,omitempty"`
	Command  string            `json:"command,omitempty"`
	Content  string            `json:"content,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Kind 返回识别后的动作种类；未知 type 返回空串。
func (a Action) Kind() ActionKind {
	switch ActionKind(a.Type) {
	case KindShell:
		return KindShell
	case KindFile:
		return KindFile
	}
	return ""
}

// Clone 深拷贝（Attrs 独立）。
func (a Action) Clone() Action {
	if a.Attrs != nil {
		m := make(map[string]string, len(a.Attrs))
		for k, v := range a.Attrs {
			m[k] = v
		}
		a.Attrs = m
	}
	return a
}

// Artifact: 一次项目变更集。Actions 保持书写顺序。
type Artifact struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Actions []Action      `json:"actions"`
	State   ArtifactState `json:"state"`
}

// Clone 深拷贝，供快照与下游只读使用。
func (a Artifact) Clone() Artifact {
	if a.Actions != nil {
		acts := make([]Action, len(a.Actions))
		for i, x := range a.Actions {
			acts[i] = x.Clone()
		}
		a.Actions = acts
	}
	return a
}

// DiagKind: 诊断类别。
type DiagKind string

const (
	DiagMalformedTag      DiagKind = "malformed_tag"
	DiagUnknownActionKind DiagKind = "unknown_action_kind"
	DiagMissingAttribute  DiagKind = "missing_attribute"
	DiagOverwrite         DiagKind = "overwrite"
	DiagOrderingWarning   DiagKind = "ordering_warning"
	DiagDiscardedArtifact DiagKind = "discarded_artifact"
)

// Severity: 诊断级别。仅 error 级别会阻断对应 Action。
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

// NoAction: Diagnostic.Action 的占位值（诊断不针对某个 Action）。
const NoAction = -1

// Diagnostic: 结构化诊断，由调用方自行渲染。
type Diagnostic struct {
	Kind       DiagKind `json:"kind"`
	Severity   Severity `json:"severity"`
	ArtifactID string   `json:"artifact_id,omitempty"`
	Action     int      `json:"action"`
	Offset     int64    `json:"offset"`
	Message    string   `json:"message"`
}

// Blocking 报告该诊断是否将对应 Action 标记为不可执行。
func (d Diagnostic) Blocking() bool {
	return d.Severity == SeverityError && d.Action != NoAction &&
		(d.Kind == DiagUnknownActionKind || d.Kind == DiagMissingAttribute)
}

// BlockedActions 汇总被阻断的 Action 序号。
func BlockedActions(diags []Diagnostic) map[int]bool {
	var m map[int]bool
	for _, d := range diags {
		if !d.Blocking() {
			continue
		}
		if m == nil {
			m = make(map[int]bool)
		}
		m[d.Action] = true
	}
	return m
}

// ResultStatus: 单个 Action 的执行结论。
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
	StatusBlocked   ResultStatus = "blocked"
	StatusSkipped   ResultStatus = "skipped"
	StatusCancelled ResultStatus = "cancelled"
)

// ActionResult: Executor 对单个 Action 的记录。
type ActionResult struct {
	Index    int           `json:"index"`
	Kind     ActionKind    `json:"kind"`
	Status   ResultStatus  `json:"status"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

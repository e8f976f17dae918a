package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"artiflow/internal/diag"
	"artiflow/pkg/contract"
)

// Policy: 执行策略。
type Policy struct {
	// ContinueOnFailure: 失败后继续执行后续 Action（默认遇错即停）。
	ContinueOnFailure bool
}

// Executor 按书写顺序逐个执行 Action：shell 交给 Runner，file 交给 Writer。
// 同一时刻至多一个 Action 在执行。
type Executor struct {
	runner contract.Runner
	writer contract.Writer
	policy Policy
	log    *diag.Logger
}

// New 构造执行器。log 可为 nil。
func New(runner contract.Runner, writer contract.Writer, p Policy, log *diag.Logger) *Executor {
	return &Executor{runner: runner, writer: writer, policy: p, log: log}
}

// Execute 执行整个 Artifact；diags 中的阻断诊断决定哪些 Action 不可执行。
// 返回每个 Action 的结果与首个失败（或取消）错误。
func (e *Executor) Execute(ctx context.Context, art contract.Artifact, diags []contract.Diagnostic) ([]contract.ActionResult, error) {
	blocked := contract.BlockedActions(diags)
	timer := e.log.StartWithKV("executor", "execute", "", art.ID, map[string]string{"actions": strconv.Itoa(len(art.Actions))})
	run := e.Begin(art.ID)
	for _, a := range art.Actions {
		run.Do(ctx, a, blocked[a.Index])
	}
	if err := run.Err(); err != nil {
		code := diag.Classify(err)
		e.log.ErrorWith("executor", string(code), err.Error(), timer.Since(), "", art.ID)
		diag.IncError("executor", string(code))
	} else {
		timer.Finish("ok", int64(len(art.Actions)))
	}
	return run.Results(), run.Err()
}

// Begin 开启一次逐个投递的执行（用于边解析边执行）。
func (e *Executor) Begin(artifactID string) *Run {
	return &Run{e: e, artifactID: artifactID}
}

// Run: 单个 Artifact 的执行进度。非并发安全，由调用方顺序驱动。
type Run struct {
	e          *Executor
	artifactID string
	results    []contract.ActionResult
	halted     bool
	cancelled  bool
	err        error
}

// Results 返回已记录的结果副本。
func (r *Run) Results() []contract.ActionResult {
	out := make([]contract.ActionResult, len(r.results))
	copy(out, r.results)
	return out
}

// Err 返回首个失败或取消错误。
func (r *Run) Err() error { return r.err }

// Halted 报告后续 Action 是否将不再执行。
func (r *Run) Halted() bool { return r.halted || r.cancelled }

// Do 执行单个 Action 并记录结果。
// 取消仅在 Action 之间生效：已开始的副作用不被打断。
func (r *Run) Do(ctx context.Context, a contract.Action, blocked bool) contract.ActionResult {
	res := contract.ActionResult{Index: a.Index, Kind: a.Kind()}
	switch {
	case r.cancelled:
		res.Status = contract.StatusCancelled
	case ctx.Err() != nil:
		r.cancelled = true
		if r.err == nil {
			r.err = ctx.Err()
		}
		res.Status = contract.StatusCancelled
	case r.halted:
		res.Status = contract.StatusSkipped
	case blocked || a.Kind() == "" || (a.Kind() == contract.KindFile && strings.TrimSpace(a.FilePath) == ""):
		res.Status = contract.StatusBlocked
	default:
		r.perform(context.WithoutCancel(ctx), a, &res)
	}
	r.results = append(r.results, res)
	if t := diag.GetTerminal(); t != nil {
		t.ActionFinish(a.Index, string(a.Type), label(a), string(res.Status), res.Duration)
	}
	diag.IncOp("executor", "action", string(res.Status))
	return res
}

func (r *Run) perform(ctx context.Context, a contract.Action, res *contract.ActionResult) {
	log := r.e.log
	t0 := time.Now()
	log.DebugStart("executor", "action", "", r.artifactID, map[string]string{"index": strconv.Itoa(a.Index), "type": a.Type})

	var err error
	switch a.Kind() {
	case contract.KindShell:
		var out contract.RunResult
		out, err = r.e.runner.Run(ctx, a.Command)
		res.ExitCode, res.Stdout, res.Stderr = out.ExitCode, out.Stdout, out.Stderr
		if err == nil && out.ExitCode != 0 {
			err = fmt.Errorf("exit status %d", out.ExitCode)
		}
	case contract.KindFile:
		err = r.e.writer.Write(ctx, a.FilePath, strings.NewReader(a.Content))
	}
	res.Duration = time.Since(t0)
	if err == nil {
		res.Status = contract.StatusSucceeded
		return
	}

	res.Status = contract.StatusFailed
	res.Error = err.Error()
	log.ErrorWithKV("executor", string(diag.Classify(err)), err.Error(), &t0, "", r.artifactID,
		map[string]string{"index": strconv.Itoa(a.Index), "exit_code": strconv.Itoa(res.ExitCode)})
	if r.err == nil {
		r.err = fmt.Errorf("artifact %s action %d: %w: %w", r.artifactID, a.Index, contract.ErrActionFailed, err)
	}
	if !r.e.policy.ContinueOnFailure {
		r.halted = true
	}
}

// label: 终端展示用的短描述。
func label(a contract.Action) string {
	if a.Kind() == contract.KindShell {
		line, _, _ := strings.Cut(strings.TrimSpace(a.Command), "\n")
		return line
	}
	return a.FilePath
}

package pipeline

import (
	"context"
	"strconv"
	"strings"
	"time"

	"artiflow/internal/builder"
	"artiflow/internal/diag"
	"artiflow/internal/executor"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

// driver 把一条逻辑流的装配输出分派给报告与执行器。非并发安全。
type driver struct {
	set    Settings
	sess   *session.Session
	exec   *executor.Executor
	log    *diag.Logger
	source string

	rep     Report
	prose   strings.Builder
	trimmed int
	cur     *ArtifactReport
	run     *executor.Run
	started time.Time
}

func newDriver(c Components, set Settings, sess *session.Session, log *diag.Logger, source string) *driver {
	d := &driver{set: set, sess: sess, log: log, source: source}
	if !set.DryRun {
		d.exec = executor.New(c.Runner, c.Writer, set.Policy, log)
	}
	d.rep.Source = source
	d.rep.Session = sess.ID()
	// 从令牌恢复时活动 Artifact 已存在
	if snap := sess.Snapshot(); snap.Open {
		d.cur = &ArtifactReport{
			Artifact:    contract.Artifact{ID: snap.ArtifactID, Title: snap.Title, Actions: snap.Actions, State: contract.StateOpen},
			Diagnostics: sess.Diagnostics(),
		}
		d.started = time.Now()
		if set.Progressive && d.exec != nil {
			d.run = d.exec.Begin(snap.ArtifactID)
		}
	}
	return d
}

// resume 在同一报告上切换到续写后的会话。
func (d *driver) resume(sess *session.Session) {
	d.trimmed += d.sess.Trimmed()
	d.sess = sess
}

func (d *driver) feed(ctx context.Context, chunk string) {
	d.rep.Bytes += len(chunk)
	d.handle(ctx, d.sess.Feed(chunk))
	if t := diag.GetTerminal(); t != nil {
		n := 0
		if d.cur != nil {
			n = len(d.sess.Snapshot().Actions)
		}
		t.StreamProgress(d.rep.Bytes, n)
	}
}

func (d *driver) handle(ctx context.Context, outs []builder.Output) {
	for _, o := range outs {
		switch o.Kind {
		case builder.ArtifactOpened:
			d.open(o)
		case builder.ActionCommitted:
			d.commit(ctx, o)
		case builder.DiagnosticRaised:
			if d.cur != nil && o.Artifact.State == contract.StateOpen {
				d.cur.Diagnostics = append(d.cur.Diagnostics, o.Diagnostics...)
			} else {
				d.rep.Diagnostics = append(d.rep.Diagnostics, o.Diagnostics...)
			}
		case builder.Prose:
			d.prose.WriteString(o.Text)
		case builder.ArtifactClosed, builder.ArtifactTruncated, builder.ArtifactDiscarded:
			d.finish(ctx, o)
		}
	}
}

func (d *driver) open(o builder.Output) {
	d.cur = &ArtifactReport{Artifact: o.Artifact, Diagnostics: append([]contract.Diagnostic(nil), o.Diagnostics...)}
	d.started = time.Now()
	d.log.Note("session", "artifact open", d.source, o.Artifact.ID, map[string]string{"title": o.Artifact.Title})
	if t := diag.GetTerminal(); t != nil {
		t.ArtifactStart(o.Artifact.ID, o.Artifact.Title)
	}
	if d.set.Progressive && d.exec != nil {
		d.run = d.exec.Begin(o.Artifact.ID)
	}
}

func (d *driver) commit(ctx context.Context, o builder.Output) {
	if d.cur == nil {
		return
	}
	d.cur.Diagnostics = append(d.cur.Diagnostics, o.Diagnostics...)
	d.log.DebugStart("session", "action committed", d.source, o.Artifact.ID, map[string]string{
		"index": strconv.Itoa(o.Action.Index),
		"type":  o.Action.Type,
	})
	if d.run != nil {
		blocked := contract.BlockedActions(d.cur.Diagnostics)
		d.run.Do(ctx, o.Action, blocked[o.Action.Index])
	}
}

func (d *driver) finish(ctx context.Context, o builder.Output) {
	cur := d.cur
	if cur == nil {
		cur = &ArtifactReport{}
	}
	d.cur = nil
	cur.Artifact = o.Artifact
	cur.Diagnostics = append(cur.Diagnostics, o.Diagnostics...)

	switch {
	case d.run != nil:
		cur.Results = d.run.Results()
		if err := d.run.Err(); err != nil {
			cur.Error = err.Error()
		}
	case d.exec != nil && d.executable(o):
		res, err := d.exec.Execute(ctx, o.Artifact, cur.Diagnostics)
		cur.Results = res
		if err != nil {
			cur.Error = err.Error()
		}
	}
	d.run = nil

	if o.Kind == builder.ArtifactDiscarded {
		d.log.Warn("session", "artifact discarded", d.source, o.Artifact.ID, nil)
	}
	ok := cur.Error == "" && o.Kind == builder.ArtifactClosed
	if t := diag.GetTerminal(); t != nil {
		t.ArtifactFinish(ok, time.Since(d.started))
	}
	d.log.Note("session", "artifact "+string(o.Artifact.State), d.source, o.Artifact.ID, map[string]string{
		"actions":     strconv.Itoa(len(o.Artifact.Actions)),
		"diagnostics": strconv.Itoa(len(cur.Diagnostics)),
	})
	d.rep.Artifacts = append(d.rep.Artifacts, *cur)
}

func (d *driver) executable(o builder.Output) bool {
	switch o.Kind {
	case builder.ArtifactClosed:
		return true
	case builder.ArtifactTruncated:
		return d.set.ExecuteTruncated
	}
	return false
}

// end 处理一次 EOF；Truncated 时返回令牌，会话保持可续写。
func (d *driver) end(ctx context.Context) (session.Outcome, *session.Token) {
	out, tok, outs := d.sess.End()
	d.handle(ctx, outs)
	return out, tok
}

// terminate 宣告不再续写：未闭合的 Artifact 进入 truncated 终态。
func (d *driver) terminate(ctx context.Context) {
	d.handle(ctx, d.sess.Terminate())
}

// abandon 放弃会话（取消或不可恢复错误），不保存令牌。
func (d *driver) abandon(ctx context.Context) Report {
	outcome := session.Complete
	if d.sess.Snapshot().Open {
		outcome = session.Truncated
	}
	d.terminate(ctx)
	return d.report(outcome)
}

// report 汇总并返回报告。
func (d *driver) report(outcome session.Outcome) Report {
	r := d.rep
	r.Outcome = outcome
	r.Continuations = d.sess.Continuations()
	r.Trimmed = d.trimmed + d.sess.Trimmed()
	r.Prose = d.prose.String()
	return r
}

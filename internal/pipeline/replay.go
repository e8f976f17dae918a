package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"artiflow/internal/diag"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

// Replay 把 Reader 给出的每份录制转录按 Chunker 切片，驱动各自独立的会话。
// 转录之间并发（上限 Concurrency），报告按转录出现顺序返回。
// 录制转录无法续写：以截断结束的会话直接进入 truncated 终态，令牌写入报告（及 Store）。
func Replay(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]Report, error) {
	if err := sanity(comp, set, false); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	if len(set.Inputs) == 0 {
		return nil, fmt.Errorf("pipeline: %w: empty inputs", contract.ErrInvalidInput)
	}
	set = prepare(comp, set)
	n := set.Concurrency
	if n < 1 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	var (
		mu      sync.Mutex
		reports []Report
	)
	rtimer := logger.Start("reader", "iterate")
	idx := 0
	err := comp.Reader.Iterate(gctx, set.Inputs, func(id contract.SourceID, rc io.ReadCloser) error {
		data, rerr := io.ReadAll(rc)
		_ = rc.Close()
		if rerr != nil {
			return fmt.Errorf("read %s: %w", id, rerr)
		}
		slot := idx
		idx++
		mu.Lock()
		reports = append(reports, Report{Source: string(id)})
		mu.Unlock()
		g.Go(func() error {
			rep, err := replayOne(gctx, comp, set, string(id), string(data), logger)
			mu.Lock()
			reports[slot] = rep
			mu.Unlock()
			return err
		})
		return nil
	})
	if werr := g.Wait(); werr != nil {
		// 转录的硬错误优先于由此引发的遍历取消
		return reports, werr
	}
	if err != nil {
		code := diag.Classify(err)
		logger.Error("reader", string(code), "iterate failed", rtimer.Since())
		diag.IncError("reader", string(code))
		return reports, fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", int64(idx))
	return reports, nil
}

// replayOne 驱动单份转录。返回的错误为硬错误（切片失败、取消），会取消其余转录。
func replayOne(ctx context.Context, comp Components, set Settings, source, text string, logger *diag.Logger) (Report, error) {
	t0 := time.Now()
	d := newDriver(comp, set, session.New(set.Session), logger, source)
	if err := feedTranscript(ctx, comp, d, text); err != nil {
		rep := d.abandon(ctx)
		code := diag.Classify(err)
		logger.ErrorWith("pipeline", string(code), "replay failed", &t0, source, "")
		diag.IncError("pipeline", string(code))
		return rep, err
	}
	outcome, tok := d.end(ctx)
	if outcome == session.Truncated {
		return d.suspend(ctx, comp, tok), nil
	}
	logger.InfoFinish("pipeline", "replay", t0, int64(len(d.rep.Artifacts)))
	return d.report(outcome), nil
}

func feedTranscript(ctx context.Context, comp Components, d *driver, text string) error {
	ctimer := d.log.StartWith("chunker", "split", d.source, "")
	chunks := 0
	err := comp.Chunker.Split(ctx, strings.NewReader(text), func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks++
		d.feed(ctx, chunk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunker split: %w", err)
	}
	ctimer.Finish("split", int64(chunks))
	return nil
}

// Resume 把 Inputs 中的转录依次当作已保存令牌的续写段喂入。
// 全部喂完仍截断时，更新后的令牌写回 Store；完成时删除已保存的令牌。
func Resume(ctx context.Context, comp Components, set Settings, tok *session.Token, logger *diag.Logger) (Report, error) {
	if err := sanity(comp, set, false); err != nil {
		return Report{}, fmt.Errorf("sanity: %w", err)
	}
	set = prepare(comp, set)
	sess, err := session.Resume(tok, set.Session)
	if err != nil {
		return Report{}, err
	}
	d := newDriver(comp, set, sess, logger, "resume")
	logger.Note("session", "resume", d.source, d.cur.Artifact.ID, map[string]string{"session": sess.ID()})

	var segs []string
	err = comp.Reader.Iterate(ctx, set.Inputs, func(id contract.SourceID, rc io.ReadCloser) error {
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		segs = append(segs, string(b))
		return nil
	})
	if err != nil {
		return d.abandon(ctx), fmt.Errorf("reader iterate: %w", err)
	}

	outcome := session.Truncated
	for i, seg := range segs {
		if i > 0 {
			next, err := session.Resume(tok, set.Session)
			if err != nil {
				return d.abandon(ctx), err
			}
			d.resume(next)
			if t := diag.GetTerminal(); t != nil {
				t.Continuation(next.Continuations())
			}
		}
		if err := feedTranscript(ctx, comp, d, seg); err != nil {
			return d.abandon(ctx), err
		}
		outcome, tok = d.end(ctx)
		if outcome == session.Complete {
			break
		}
	}
	if outcome == session.Truncated {
		return d.suspend(ctx, comp, tok), nil
	}
	if comp.Store != nil {
		if err := comp.Store.Delete(d.rep.Session); err != nil {
			logger.Warn("store", "delete token failed", d.source, "", map[string]string{"error": err.Error()})
		}
	}
	return d.report(outcome), nil
}

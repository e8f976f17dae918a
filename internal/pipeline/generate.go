package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"artiflow/internal/diag"
	"artiflow/internal/prompt"
	"artiflow/internal/rate"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

const defaultBackoff = 200 * time.Millisecond

// Generate 对单条用户消息执行 Prompt → LLM 流 → 解析 → 执行。
// 流在 Artifact 未闭合时结束（或传输中断）即视为截断，按令牌发起续写，最多 MaxContinuations 次。
// 动作失败记录在报告中，不作为返回错误；返回错误仅表示流无法完成。
func Generate(ctx context.Context, comp Components, set Settings, req contract.Request, logger *diag.Logger) (Report, error) {
	if err := sanity(comp, set, true); err != nil {
		return Report{}, fmt.Errorf("sanity: %w", err)
	}
	set = prepare(comp, set)

	ptimer := logger.Start("prompt_builder", "build")
	p, err := comp.PromptBuilder.Build(ctx, req)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("prompt_builder", string(code), "build failed", ptimer.Since())
		diag.IncError("prompt_builder", string(code))
		return Report{}, fmt.Errorf("prompt build: %w", err)
	}
	ptimer.Finish("build", 0)

	sess := session.New(set.Session)
	d := newDriver(comp, set, sess, logger, "generate")
	for n := 0; ; n++ {
		seg, serr := d.stream(ctx, comp, set, p)
		if cerr := ctx.Err(); cerr != nil {
			return d.abandon(ctx), cerr
		}
		outcome, tok := d.end(ctx)
		if outcome == session.Complete {
			rep := d.report(outcome)
			if serr != nil {
				return rep, fmt.Errorf("llm stream: %w", serr)
			}
			return rep, nil
		}
		if serr != nil && seg == "" {
			// 本轮未收到任何内容：保存令牌后结束，留待 resume
			return d.suspend(ctx, comp, tok), fmt.Errorf("llm stream: %w", serr)
		}
		if serr != nil {
			logger.Warn("session", "stream interrupted inside artifact", d.source, "", map[string]string{"error": serr.Error()})
		}
		if n >= set.MaxContinuations {
			rep := d.suspend(ctx, comp, tok)
			return rep, fmt.Errorf("session %s: %w", tok.ID(), contract.ErrContinuationExhausted)
		}
		if t := diag.GetTerminal(); t != nil {
			t.Continuation(n + 1)
		}
		logger.Note("session", "continue", d.source, "", map[string]string{
			"seq":     strconv.Itoa(n + 1),
			"partial": strconv.Itoa(len(seg)),
		})
		next, err := session.Resume(tok, set.Session)
		if err != nil {
			return d.report(session.Truncated), err
		}
		d.resume(next)
		if p, err = comp.PromptBuilder.Continue(ctx, p, seg); err != nil {
			return d.abandon(ctx), fmt.Errorf("prompt continue: %w", err)
		}
	}
}

// suspend 持久化令牌（若有 Store）并以 truncated 结束会话。
func (d *driver) suspend(ctx context.Context, comp Components, tok *session.Token) Report {
	text := tok.String()
	path := ""
	if comp.Store != nil {
		p, err := comp.Store.Save(tok)
		if err != nil {
			d.log.ErrorWith("store", string(diag.Classify(err)), "save token failed", nil, d.source, "")
		} else {
			path = p
		}
	}
	d.terminate(ctx)
	rep := d.report(session.Truncated)
	rep.Token, rep.TokenPath = text, path
	d.log.Warn("session", "suspended truncated stream", d.source, "", map[string]string{"session": tok.ID(), "token_path": path})
	return rep
}

// stream 打开一次流并逐片推进会话，返回本段收到的原文。
func (d *driver) stream(ctx context.Context, comp Components, set Settings, p contract.Prompt) (string, error) {
	st, err := d.openStream(ctx, comp, set, p)
	if err != nil {
		return "", err
	}
	defer st.Close()
	timer := d.log.StartWith("llm_client", "stream", d.source, "")
	var seg strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return seg.String(), err
		}
		chunk, done, err := st.Next()
		if chunk != "" {
			seg.WriteString(chunk)
			d.feed(ctx, chunk)
		}
		if err != nil {
			code := diag.Classify(err)
			d.log.ErrorWith("llm_client", string(code), "stream interrupted", timer.Since(), d.source, "")
			diag.IncError("llm_client", string(code))
			return seg.String(), err
		}
		if done {
			timer.Finish("stream", int64(seg.Len()))
			return seg.String(), nil
		}
	}
}

// openStream 经过 Gate 打开流；限流、网络与 5xx 类错误按退避重试。
func (d *driver) openStream(ctx context.Context, comp Components, set Settings, p contract.Prompt) (contract.RawStream, error) {
	tokens := 0
	if set.Gate != nil {
		tokens = prompt.RequestTokens(p, set.BytesPerToken, set.MaxOutputTokens)
	}
	backoff := set.RetryBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	attempts := set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if set.Gate != nil {
			d.log.DebugStart("gate", "ask", d.source, "", map[string]string{
				"tokens":  strconv.Itoa(tokens),
				"attempt": strconv.Itoa(attempt + 1),
			})
			if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				code := diag.Classify(err)
				d.log.ErrorWith("gate", string(code), "wait failed", nil, d.source, "")
				diag.IncError("gate", string(code))
				return nil, err
			}
		}
		st, err := comp.LLM.Stream(ctx, p)
		if err == nil {
			diag.IncOp("llm_client", "open", "success")
			return st, nil
		}
		lastErr = err
		code := diag.Classify(err)
		kv := map[string]string{"attempt": strconv.Itoa(attempt + 1)}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		d.log.ErrorWithKV("llm_client", string(code), "open failed", nil, d.source, "", kv)
		diag.IncError("llm_client", string(code))
		if !shouldRetry(err) {
			break
		}
		if attempt+1 < attempts {
			if err := sleepWithCtx(ctx, backoff*time.Duration(attempt+1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// shouldRetry: 取消不重试；限流与网络类（含上游 5xx/408）重试；其余不重试。
func shouldRetry(err error) bool {
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	}
	return false
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

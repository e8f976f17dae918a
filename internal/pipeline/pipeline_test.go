package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/internal/diag"
	"artiflow/internal/executor"
	"artiflow/internal/session"
	"artiflow/pkg/contract"
)

// 通用桩件 ----------------------------------------------------

type segment struct {
	chunks []string
	err    error
}

type stubLLM struct {
	mu       sync.Mutex
	openErrs []error
	segs     []segment
	calls    int
}

func (s *stubLLM) Stream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.openErrs) > 0 {
		e := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return nil, e
	}
	if len(s.segs) == 0 {
		return nil, errors.New("stub: no more segments")
	}
	seg := s.segs[0]
	s.segs = s.segs[1:]
	return &stubStream{seg: seg}, nil
}

type stubStream struct {
	seg    segment
	i      int
	closed bool
}

func (s *stubStream) Next() (string, bool, error) {
	if s.i < len(s.seg.chunks) {
		s.i++
		return s.seg.chunks[s.i-1], false, nil
	}
	if s.seg.err != nil {
		return "", false, s.seg.err
	}
	return "", true, nil
}

func (s *stubStream) Close() error { s.closed = true; return nil }

type stubPB struct {
	partials []string
}

func (s *stubPB) Build(ctx context.Context, req contract.Request) (contract.Prompt, error) {
	if req.Message == "" {
		return nil, contract.ErrInvalidInput
	}
	return contract.ChatPrompt{{Role: "user", Content: req.Message}}, nil
}

func (s *stubPB) Continue(ctx context.Context, prior contract.Prompt, partial string) (contract.Prompt, error) {
	s.partials = append(s.partials, partial)
	cp := append(contract.ChatPrompt(nil), prior.(contract.ChatPrompt)...)
	return append(cp, contract.Message{Role: "assistant", Content: partial}, contract.Message{Role: "user", Content: "continue"}), nil
}

// journal 同时充当 Runner 与 Writer，按发生顺序记录副作用。
type journal struct {
	mu    sync.Mutex
	ops   []string
	files map[string]string
	exit  map[string]int
}

func newJournal() *journal { return &journal{files: map[string]string{}, exit: map[string]int{}} }

func (j *journal) Run(ctx context.Context, cmd string) (contract.RunResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, "run:"+cmd)
	return contract.RunResult{ExitCode: j.exit[cmd]}, nil
}

func (j *journal) Write(ctx context.Context, path string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, "write:"+path)
	j.files[path] = string(b)
	return nil
}

func (j *journal) Ops() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

type doc struct{ id, text string }

type stubReader struct{ docs []doc }

func (r stubReader) Iterate(ctx context.Context, roots []string, yield func(contract.SourceID, io.ReadCloser) error) error {
	for _, d := range r.docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(contract.SourceID(d.id), io.NopCloser(strings.NewReader(d.text))); err != nil {
			return err
		}
	}
	return nil
}

type stubChunker struct{ size int }

func (c stubChunker) Split(ctx context.Context, r io.Reader, yield func(string) error) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s := string(b)
	for len(s) > 0 {
		n := min(c.size, len(s))
		if err := yield(s[:n]); err != nil {
			return err
		}
		s = s[n:]
	}
	return nil
}

func split(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		k := min(n, len(s))
		out = append(out, s[:k])
		s = s[k:]
	}
	return out
}

const doc1 = `Sure.
<artifact id="x" title="T"><action type="file" filePath="a.txt">hello</action><action type="shell">cat a.txt</action></artifact>
Done.`

func base(j *journal, llm *stubLLM, pb *stubPB) (Components, Settings) {
	comp := Components{PromptBuilder: pb, LLM: llm, Runner: j, Writer: j}
	set := Settings{Concurrency: 1, MaxContinuations: 2, RetryBackoff: time.Millisecond}
	return comp, set
}

// 用例 ----------------------------------------------------

func TestGenerateExecutesClosedArtifact(t *testing.T) {
	j := newJournal()
	llm := &stubLLM{segs: []segment{{chunks: split(doc1, 7)}}}
	comp, set := base(j, llm, &stubPB{})

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "make a.txt"}, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, session.Complete, rep.Outcome)
	require.Len(t, rep.Artifacts, 1)
	art := rep.Artifacts[0]
	assert.Equal(t, contract.StateClosed, art.Artifact.State)
	assert.Empty(t, art.Diagnostics)
	require.Len(t, art.Results, 2)
	assert.Equal(t, contract.StatusSucceeded, art.Results[0].Status)
	assert.Equal(t, contract.StatusSucceeded, art.Results[1].Status)
	assert.Equal(t, []string{"write:a.txt", "run:cat a.txt"}, j.Ops())
	assert.Equal(t, "hello", j.files["a.txt"])
	assert.Contains(t, rep.Prose, "Sure.")
	assert.Contains(t, rep.Prose, "Done.")
	assert.Equal(t, len(doc1), rep.Bytes)
	assert.False(t, rep.Failed())
	assert.Empty(t, rep.Token)
}

func TestGenerateContinuesAfterTruncation(t *testing.T) {
	first := `<artifact id="x" title="T"><action type="file" filePath="a.txt">hello wor`
	second := `hello world</action><action type="shell">cat a.txt</action></artifact>`
	j := newJournal()
	pb := &stubPB{}
	llm := &stubLLM{segs: []segment{{chunks: split(first, 5)}, {chunks: split(second, 3)}}}
	comp, set := base(j, llm, pb)

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls)
	assert.Equal(t, []string{first}, pb.partials)
	assert.Equal(t, session.Complete, rep.Outcome)
	assert.Equal(t, 1, rep.Continuations)
	assert.Equal(t, len("hello wor"), rep.Trimmed)
	require.Len(t, rep.Artifacts, 1)
	assert.Equal(t, "hello world", rep.Artifacts[0].Artifact.Actions[0].Content)
	assert.Equal(t, "hello world", j.files["a.txt"])
	assert.Equal(t, []string{"write:a.txt", "run:cat a.txt"}, j.Ops())
}

func TestGenerateMidStreamErrorTriggersContinuation(t *testing.T) {
	first := `<artifact id="x" title="T"><action type="shell">echo a</action>`
	second := `<action type="shell">echo b</action></artifact>`
	j := newJournal()
	llm := &stubLLM{segs: []segment{{chunks: []string{first}, err: io.ErrUnexpectedEOF}, {chunks: []string{second}}}}
	comp, set := base(j, llm, &stubPB{})

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err)
	require.Len(t, rep.Artifacts, 1)
	assert.Len(t, rep.Artifacts[0].Artifact.Actions, 2)
	assert.Equal(t, []string{"run:echo a", "run:echo b"}, j.Ops())
}

func TestGenerateContinuationExhausted(t *testing.T) {
	first := `<artifact id="x" title="T"><action type="file" filePath="a.txt">hi</action><action type="shell">ec`
	j := newJournal()
	llm := &stubLLM{segs: []segment{{chunks: []string{first}}}}
	comp, set := base(j, llm, &stubPB{})
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	comp.Store = store
	set.MaxContinuations = 0

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.ErrorIs(t, err, contract.ErrContinuationExhausted)
	assert.Equal(t, session.Truncated, rep.Outcome)
	require.NotEmpty(t, rep.Token)
	require.NotEmpty(t, rep.TokenPath)
	_, statErr := os.Stat(rep.TokenPath)
	assert.NoError(t, statErr)
	require.Len(t, rep.Artifacts, 1)
	assert.Equal(t, contract.StateTruncated, rep.Artifacts[0].Artifact.State)
	assert.Empty(t, rep.Artifacts[0].Results, "默认不执行截断的 Artifact")
	assert.Empty(t, j.Ops())

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{rep.Session}, ids)
}

func TestGenerateExecuteTruncated(t *testing.T) {
	first := `<artifact id="x" title="T"><action type="file" filePath="a.txt">hi</action><action type="shell">ec`
	j := newJournal()
	llm := &stubLLM{segs: []segment{{chunks: []string{first}}}}
	comp, set := base(j, llm, &stubPB{})
	set.MaxContinuations = 0
	set.ExecuteTruncated = true

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.ErrorIs(t, err, contract.ErrContinuationExhausted)
	require.Len(t, rep.Artifacts, 1)
	require.Len(t, rep.Artifacts[0].Results, 1)
	assert.Equal(t, []string{"write:a.txt"}, j.Ops())
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	j := newJournal()
	llm := &stubLLM{openErrs: []error{contract.ErrRateLimited}, segs: []segment{{chunks: []string{doc1}}}}
	comp, set := base(j, llm, &stubPB{})
	set.MaxRetries = 1

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls)
	assert.Len(t, rep.Artifacts, 1)
}

func TestGenerateNoRetryOnInvalidInput(t *testing.T) {
	llm := &stubLLM{openErrs: []error{contract.ErrInvalidInput}, segs: []segment{{chunks: []string{doc1}}}}
	comp, set := base(newJournal(), llm, &stubPB{})
	set.MaxRetries = 3

	_, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Equal(t, 1, llm.calls)
}

func TestGenerateRejectsEmptyMessage(t *testing.T) {
	comp, set := base(newJournal(), &stubLLM{}, &stubPB{})
	_, err := Generate(context.Background(), comp, set, contract.Request{}, diag.Discard())
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestGenerateDryRun(t *testing.T) {
	llm := &stubLLM{segs: []segment{{chunks: []string{doc1}}}}
	comp := Components{PromptBuilder: &stubPB{}, LLM: llm}
	rep, err := Generate(context.Background(), comp, Settings{DryRun: true}, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err)
	require.Len(t, rep.Artifacts, 1)
	assert.Len(t, rep.Artifacts[0].Artifact.Actions, 2)
	assert.Empty(t, rep.Artifacts[0].Results)
}

func TestGenerateSanity(t *testing.T) {
	_, err := Generate(context.Background(), Components{}, Settings{}, contract.Request{Message: "x"}, nil)
	assert.Error(t, err)
	comp, set := base(newJournal(), &stubLLM{}, &stubPB{})
	set.MaxRetries = -1
	_, err = Generate(context.Background(), comp, set, contract.Request{Message: "x"}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestGenerateProgressive(t *testing.T) {
	first := `<artifact id="x" title="T"><action type="shell">echo a</action><action type="shell">ec`
	j := newJournal()
	llm := &stubLLM{segs: []segment{{chunks: split(first, 4)}}}
	comp, set := base(j, llm, &stubPB{})
	set.Progressive = true
	set.MaxContinuations = 0

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.ErrorIs(t, err, contract.ErrContinuationExhausted)
	assert.Equal(t, []string{"run:echo a"}, j.Ops())
	require.Len(t, rep.Artifacts, 1)
	require.Len(t, rep.Artifacts[0].Results, 1)
	assert.Equal(t, contract.StatusSucceeded, rep.Artifacts[0].Results[0].Status)
}

func TestGenerateBlockedAndFailed(t *testing.T) {
	text := `<artifact id="x" title="T"><action type="database">drop</action><action type="shell">false</action><action type="shell">echo after</action></artifact>`
	j := newJournal()
	j.exit["false"] = 1
	llm := &stubLLM{segs: []segment{{chunks: []string{text}}}}
	comp, set := base(j, llm, &stubPB{})

	rep, err := Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err, "动作失败记录在报告中")
	assert.True(t, rep.Blocked())
	assert.True(t, rep.Failed())
	res := rep.Artifacts[0].Results
	require.Len(t, res, 3)
	assert.Equal(t, contract.StatusBlocked, res[0].Status)
	assert.Equal(t, contract.StatusFailed, res[1].Status)
	assert.Equal(t, contract.StatusSkipped, res[2].Status)
	assert.Contains(t, rep.Artifacts[0].Error, "action failed")

	// continue_on_failure
	j = newJournal()
	j.exit["false"] = 1
	llm = &stubLLM{segs: []segment{{chunks: []string{text}}}}
	comp, set = base(j, llm, &stubPB{})
	set.Policy = executor.Policy{ContinueOnFailure: true}
	rep, err = Generate(context.Background(), comp, set, contract.Request{Message: "go"}, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"run:false", "run:echo after"}, j.Ops())
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &stubLLM{segs: []segment{{chunks: []string{doc1}}}}
	comp, set := base(newJournal(), llm, &stubPB{})
	_, err := Generate(ctx, comp, set, contract.Request{Message: "go"}, diag.Discard())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayKeepsOrderAndIsolation(t *testing.T) {
	var docs []doc
	for i := 0; i < 6; i++ {
		docs = append(docs, doc{
			id:   fmt.Sprintf("t%d", i),
			text: fmt.Sprintf(`<artifact id="a%d" title="T"><action type="file" filePath="f%d.txt">%d</action></artifact>`, i, i, i),
		})
	}
	j := newJournal()
	comp := Components{Reader: stubReader{docs: docs}, Chunker: stubChunker{size: 3}, Runner: j, Writer: j}
	set := Settings{Inputs: []string{"in"}, Concurrency: 3}

	reps, err := Replay(context.Background(), comp, set, diag.Discard())
	require.NoError(t, err)
	require.Len(t, reps, 6)
	for i, r := range reps {
		assert.Equal(t, fmt.Sprintf("t%d", i), r.Source)
		require.Len(t, r.Artifacts, 1)
		assert.Equal(t, fmt.Sprintf("a%d", i), r.Artifacts[0].Artifact.ID)
		assert.Equal(t, fmt.Sprintf("%d", i), j.files[fmt.Sprintf("f%d.txt", i)])
	}
}

func TestReplayTruncatedThenResume(t *testing.T) {
	full := `<artifact id="x" title="T"><action type="file" filePath="a.txt">hello world</action><action type="shell">cat a.txt</action></artifact>`
	cut := 60
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	j := newJournal()
	comp := Components{Reader: stubReader{docs: []doc{{"part1", full[:cut]}}}, Chunker: stubChunker{size: 5}, Runner: j, Writer: j, Store: store}
	set := Settings{Inputs: []string{"in"}}
	reps, err := Replay(context.Background(), comp, set, diag.Discard())
	require.NoError(t, err)
	require.Len(t, reps, 1)
	require.Equal(t, session.Truncated, reps[0].Outcome)
	require.NotEmpty(t, reps[0].Token)
	assert.Empty(t, j.Ops())

	tok, err := store.Load(reps[0].Session)
	require.NoError(t, err)
	// 续写段重复了旧流末尾的若干字节
	comp.Reader = stubReader{docs: []doc{{"part2", full[cut-6:]}}}
	rep, err := Resume(context.Background(), comp, set, tok, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, session.Complete, rep.Outcome)
	assert.Equal(t, reps[0].Session, rep.Session)
	require.Len(t, rep.Artifacts, 1)
	assert.Equal(t, "hello world", j.files["a.txt"])
	assert.Equal(t, []string{"write:a.txt", "run:cat a.txt"}, j.Ops())

	ids, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "完成后删除令牌")
}

func TestResumeMultipleSegments(t *testing.T) {
	full := `<artifact id="x" title="T"><action type="shell">echo one</action><action type="shell">echo two</action></artifact>`
	d := newDriver(Components{}, Settings{DryRun: true}, session.New(session.Options{}), diag.Discard(), "t")
	d.feed(context.Background(), full[:40])
	out, tok := d.end(context.Background())
	require.Equal(t, session.Truncated, out)

	j := newJournal()
	comp := Components{
		Reader:  stubReader{docs: []doc{{"a", full[40:70]}, {"b", full[70:]}}},
		Chunker: stubChunker{size: 8},
		Runner:  j, Writer: j,
	}
	rep, err := Resume(context.Background(), comp, Settings{Inputs: []string{"x"}}, tok, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, session.Complete, rep.Outcome)
	assert.Equal(t, 2, rep.Continuations)
	assert.Equal(t, []string{"run:echo one", "run:echo two"}, j.Ops())
}

func TestReplayEmptyInputs(t *testing.T) {
	comp := Components{Reader: stubReader{}, Chunker: stubChunker{size: 1}}
	_, err := Replay(context.Background(), comp, Settings{DryRun: true}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

type failChunker struct{}

func (failChunker) Split(ctx context.Context, r io.Reader, yield func(string) error) error {
	return errors.New("boom")
}

func TestReplayHardErrorSurfaces(t *testing.T) {
	comp := Components{Reader: stubReader{docs: []doc{{"a", "x"}, {"b", "y"}}}, Chunker: failChunker{}}
	reps, err := Replay(context.Background(), comp, Settings{Inputs: []string{"in"}, DryRun: true, Concurrency: 2}, diag.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotEmpty(t, reps)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(contract.ErrRateLimited))
	assert.True(t, shouldRetry(fmt.Errorf("wrap: %w", contract.ErrRateLimited)))
	assert.False(t, shouldRetry(context.Canceled))
	assert.False(t, shouldRetry(contract.ErrInvalidInput))
	assert.False(t, shouldRetry(errors.New("x")))
}

func TestSleepWithCtx(t *testing.T) {
	assert.NoError(t, sleepWithCtx(context.Background(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithCtx(ctx, time.Second), context.Canceled)
}

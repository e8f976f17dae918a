package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artiflow/pkg/contract"
)

// journal 记录协作方调用顺序，并模拟一个内存文件系统。
type journal struct {
	calls []string
	files map[string]string
	// failOn: 命令前缀匹配时返回非零退出码
	failOn string
	// onRun: 每次 Run 之后回调
	onRun func()
}

func newJournal() *journal { return &journal{files: map[string]string{}} }

func (j *journal) Write(ctx context.Context, path string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if !contract.IsLocalPath(path) {
		return contract.ErrPathInvalid
	}
	j.calls = append(j.calls, "write "+path)
	j.files[path] = string(b)
	return nil
}

func (j *journal) Run(ctx context.Context, command string) (contract.RunResult, error) {
	j.calls = append(j.calls, "run "+command)
	defer func() {
		if j.onRun != nil {
			j.onRun()
		}
	}()
	if j.failOn != "" && strings.HasPrefix(command, j.failOn) {
		return contract.RunResult{ExitCode: 2, Stderr: "boom"}, nil
	}
	if name, ok := strings.CutPrefix(command, "cat "); ok {
		content, found := j.files[name]
		if !found {
			return contract.RunResult{ExitCode: 1, Stderr: "no such file"}, nil
		}
		return contract.RunResult{Stdout: content}, nil
	}
	return contract.RunResult{}, nil
}

func shell(i int, cmd string) contract.Action {
	return contract.Action{Index: i, Type: "shell", Command: cmd}
}

func file(i int, path, content string) contract.Action {
	return contract.Action{Index: i, Type: "file", FilePath: path, Content: content}
}

func statuses(rs []contract.ActionResult) []contract.ResultStatus {
	out := make([]contract.ResultStatus, len(rs))
	for i, r := range rs {
		out[i] = r.Status
	}
	return out
}

func TestExecuteWritesBeforeRunning(t *testing.T) {
	j := newJournal()
	e := New(j, j, Policy{}, nil)
	art := contract.Artifact{ID: "x", Title: "T", State: contract.StateClosed, Actions: []contract.Action{
		file(0, "a.txt", "hello"),
		shell(1, "cat a.txt"),
	}}
	res, err := e.Execute(context.Background(), art, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"write a.txt", "run cat a.txt"}, j.calls)
	require.Len(t, res, 2)
	assert.Equal(t, contract.StatusSucceeded, res[0].Status)
	assert.Equal(t, contract.KindFile, res[0].Kind)
	assert.Equal(t, "hello", res[1].Stdout)
	assert.Equal(t, 0, res[1].ExitCode)
}

func TestExecuteLastWriteWins(t *testing.T) {
	j := newJournal()
	e := New(j, j, Policy{}, nil)
	art := contract.Artifact{ID: "x", Actions: []contract.Action{
		file(0, "src/app.js", "first"),
		file(1, "src/app.js", "second"),
	}}
	_, err := e.Execute(context.Background(), art, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", j.files["src/app.js"])
}

func TestExecuteBlockedActionKeepsOthersInOrder(t *testing.T) {
	j := newJournal()
	e := New(j, j, Policy{}, nil)
	art := contract.Artifact{ID: "x", Actions: []contract.Action{
		shell(0, "npm init -y"),
		{Index: 1, Type: "database", Content: "CREATE TABLE t"},
		file(2, "index.js", "1"),
		shell(3, "node index.js"),
	}}
	diags := []contract.Diagnostic{{Kind: contract.DiagUnknownActionKind, Severity: contract.SeverityError, ArtifactID: "x", Action: 1}}
	res, err := e.Execute(context.Background(), art, diags)
	require.NoError(t, err)
	assert.Equal(t, []string{"run npm init -y", "write index.js", "run node index.js"}, j.calls)
	assert.Equal(t, []contract.ResultStatus{
		contract.StatusSucceeded, contract.StatusBlocked, contract.StatusSucceeded, contract.StatusSucceeded,
	}, statuses(res))
}

func TestExecuteBlocksMissingFilePathWithoutDiagnostic(t *testing.T) {
	j := newJournal()
	res, err := New(j, j, Policy{}, nil).Execute(context.Background(), contract.Artifact{ID: "x", Actions: []contract.Action{
		{Index: 0, Type: "file", Content: "orphan"},
		shell(1, "ls"),
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []contract.ResultStatus{contract.StatusBlocked, contract.StatusSucceeded}, statuses(res))
}

func TestExecuteHaltsOnFailure(t *testing.T) {
	j := newJournal()
	j.failOn = "npm install"
	e := New(j, j, Policy{}, nil)
	art := contract.Artifact{ID: "app", Actions: []contract.Action{
		file(0, "package.json", "{}"),
		shell(1, "npm install"),
		file(2, "index.js", "x"),
		shell(3, "npm start"),
	}}
	res, err := e.Execute(context.Background(), art, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrActionFailed)
	assert.Contains(t, err.Error(), "artifact app action 1")
	assert.Equal(t, []contract.ResultStatus{
		contract.StatusSucceeded, contract.StatusFailed, contract.StatusSkipped, contract.StatusSkipped,
	}, statuses(res))
	assert.Equal(t, 2, res[1].ExitCode)
	assert.Equal(t, "boom", res[1].Stderr)
	assert.Equal(t, []string{"write package.json", "run npm install"}, j.calls)
}

func TestExecuteContinueOnFailure(t *testing.T) {
	j := newJournal()
	j.failOn = "false"
	e := New(j, j, Policy{ContinueOnFailure: true}, nil)
	res, err := e.Execute(context.Background(), contract.Artifact{ID: "x", Actions: []contract.Action{
		shell(0, "false"),
		shell(1, "true"),
	}}, nil)
	assert.ErrorIs(t, err, contract.ErrActionFailed)
	assert.Equal(t, []contract.ResultStatus{contract.StatusFailed, contract.StatusSucceeded}, statuses(res))
}

func TestExecuteWriterErrorIsFailure(t *testing.T) {
	j := newJournal()
	res, err := New(j, j, Policy{}, nil).Execute(context.Background(), contract.Artifact{ID: "x", Actions: []contract.Action{
		file(0, "../escape", "x"),
	}}, nil)
	assert.ErrorIs(t, err, contract.ErrPathInvalid)
	assert.ErrorIs(t, err, contract.ErrActionFailed)
	require.Len(t, res, 1)
	assert.Equal(t, contract.StatusFailed, res[0].Status)
	assert.Equal(t, "path invalid", res[0].Error)
}

func TestExecuteCancellationBetweenActions(t *testing.T) {
	j := newJournal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 第一个命令执行期间取消：该命令照常完成，后续不再发起
	j.onRun = cancel
	res, err := New(j, j, Policy{}, nil).Execute(ctx, contract.Artifact{ID: "x", Actions: []contract.Action{
		shell(0, "sleep 1"),
		shell(1, "echo later"),
		file(2, "a.txt", "x"),
	}}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"run sleep 1"}, j.calls)
	assert.Equal(t, []contract.ResultStatus{
		contract.StatusSucceeded, contract.StatusCancelled, contract.StatusCancelled,
	}, statuses(res))
}

func TestRunProgressive(t *testing.T) {
	j := newJournal()
	run := New(j, j, Policy{}, nil).Begin("x")
	r0 := run.Do(context.Background(), file(0, "a.txt", "hi"), false)
	assert.Equal(t, contract.StatusSucceeded, r0.Status)
	assert.False(t, run.Halted())
	r1 := run.Do(context.Background(), shell(1, "cat missing"), false)
	assert.Equal(t, contract.StatusFailed, r1.Status)
	assert.True(t, run.Halted())
	r2 := run.Do(context.Background(), shell(2, "ls"), false)
	assert.Equal(t, contract.StatusSkipped, r2.Status)
	assert.Len(t, run.Results(), 3)
	assert.ErrorIs(t, run.Err(), contract.ErrActionFailed)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "npm install", label(shell(0, "\n  npm install\n  npm run dev\n")))
	assert.Equal(t, "src/a.js", label(file(0, "src/a.js", "x")))
}

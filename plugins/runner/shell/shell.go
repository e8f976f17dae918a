package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"artiflow/pkg/contract"
)

// TimeoutExitCode: 超时按常见约定报告为 124。
const TimeoutExitCode = 124

// Options: 最小必要选项。
type Options struct {
	// WorkDir: 命令工作目录（必需）。
	WorkDir string `json:"work_dir"`
	// Shell: 解释器，默认 sh（以 -c 传入命令）。
	Shell string `json:"shell,omitempty"`
	// TimeoutSec: 单条命令超时；<=0 表示不限。
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// Env: 追加的环境变量（KEY=VALUE），继承当前进程环境。
	Env []string `json:"env,omitempty"`
	// MaxOutput: stdout/stderr 各自保留的最大字节数；<=0 使用 1MiB。
	MaxOutput int `json:"max_output,omitempty"`
}

type Runner struct {
	dir       string
	shell     string
	timeout   time.Duration
	env       []string
	maxOutput int
}

// New 创建进程执行 Runner。
func New(opts *Options) (*Runner, error) {
	if opts == nil || strings.TrimSpace(opts.WorkDir) == "" {
		return nil, contract.ErrInvalidInput
	}
	sh := strings.TrimSpace(opts.Shell)
	if sh == "" {
		sh = "sh"
	}
	maxOut := opts.MaxOutput
	if maxOut <= 0 {
		maxOut = 1 << 20
	}
	var env []string
	if len(opts.Env) > 0 {
		env = append(os.Environ(), opts.Env...)
	}
	return &Runner{
		dir:       opts.WorkDir,
		shell:     sh,
		timeout:   time.Duration(opts.TimeoutSec) * time.Second,
		env:       env,
		maxOutput: maxOut,
	}, nil
}

var _ contract.Runner = (*Runner)(nil)

// Run 以 `<shell> -c command` 在工作目录执行命令。
// 非零退出码与超时通过 RunResult 返回；error 仅表示无法启动或被取消。
func (r *Runner) Run(ctx context.Context, command string) (contract.RunResult, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return contract.RunResult{}, err
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = r.dir
	cmd.Env = r.env
	setProcessGroup(cmd)
	stdout := &capped{max: r.maxOutput}
	stderr := &capped{max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return contract.RunResult{}, fmt.Errorf("start %s: %w", r.shell, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-runCtx.Done():
		// 结束整个进程组
		killProcessGroup(cmd)
		<-done
		if ctx.Err() != nil {
			return contract.RunResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
		}
		msg := fmt.Sprintf("timed out after %s", r.timeout)
		return contract.RunResult{ExitCode: TimeoutExitCode, Stdout: stdout.String(), Stderr: joinLine(stderr.String(), msg)}, nil
	case err = <-done:
	}

	res := contract.RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var xerr *exec.ExitError
		if !errors.As(err, &xerr) {
			return res, err
		}
		res.ExitCode = xerr.ExitCode()
	}
	return res, nil
}

func joinLine(a, b string) string {
	if a == "" || strings.HasSuffix(a, "\n") {
		return a + b
	}
	return a + "\n" + b
}

// capped: 超出上限后静默丢弃的缓冲区。
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }

package contract

import (
	"context"
	"io"
)

// Writer: 文件系统协作方 write(path, content)。
//  1. path 相对工作根解释，越界返回 ErrPathInvalid；
//  2. 需要时创建父目录；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, path string, r io.Reader) error
}

// RunResult: 进程执行协作方的返回。
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner: 进程执行协作方 run(command)。
// 非零退出码通过 RunResult 返回而非 error；error 仅表示无法启动或被取消。
type Runner interface {
	Run(ctx context.Context, command string) (RunResult, error)
}

package contract

import "errors"

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrPathInvalid: filePath 映射为无效/越界路径（绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrTokenInvalid: 续写令牌无法解码或版本不符。
	ErrTokenInvalid = errors.New("continuation token invalid")
	// ErrActionFailed: 某个 Action 执行失败（非零退出码或写入失败）。
	ErrActionFailed = errors.New("action failed")
	// ErrContinuationExhausted: 续写次数用尽仍未闭合。
	ErrContinuationExhausted = errors.New("continuation exhausted")
)

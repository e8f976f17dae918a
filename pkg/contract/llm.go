package contract

import "context"

// Streamer: 以 Prompt 为单位向大模型发起流式生成。
// 应尊重 ctx 取消/超时；返回的 RawStream 由调用方 Close。
type Streamer interface {
	Stream(ctx context.Context, p Prompt) (RawStream, error)
}

// RawStream: 只读顺序拉取；调用方负责在用毕后 Close。
// done=true 表示上游显式结束（EOF）；err 非空表示传输中断。
type RawStream interface {
	Next() (chunk string, done bool, err error)
	Close() error
}

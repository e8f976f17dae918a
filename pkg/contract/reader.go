package contract

import (
	"context"
	"io"
)

// SourceID: 输入转录（录制的模型输出）的稳定标识。
type SourceID string

// Reader: 转录输入源抽象（文件/目录/STDIN）。
// 1) 按文件维度回调；2) SourceID 去平台差异化；3) 不做解析；4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(id SourceID, r io.ReadCloser) error) error
}

// Chunker: 将字节流切成有序文本片段，模拟流式到达。
// 片段边界可落在任意位置，拼接后必须与原文逐字节相等。
type Chunker interface {
	Split(ctx context.Context, r io.Reader, yield func(chunk string) error) error
}

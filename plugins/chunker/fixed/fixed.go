package fixed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand/v2"

	"artiflow/pkg/contract"
)

// DefaultSize: 默认片段字节数。
const DefaultSize = 64

// Options 为定长 Chunker 的可选配置。
type Options struct {
	// Size: 片段字节数；<=0 使用 DefaultSize。
	Size int `json:"size"`
	// Jitter: 每片大小在 [Size-Jitter, Size+Jitter] 内随机（至少 1 字节）；0 表示严格定长。
	Jitter int `json:"jitter"`
	// Seed: 随机种子，保证同一输入的切分可复现。
	Seed uint64 `json:"seed"`
}

// Chunker 按字节切片，边界可落在多字节字符或标签中间。
type Chunker struct {
	size   int
	jitter int
	seed   uint64
}

// New 创建 Chunker。
func New(opts *Options) *Chunker {
	c := &Chunker{size: DefaultSize}
	if opts == nil {
		return c
	}
	if opts.Size > 0 {
		c.size = opts.Size
	}
	if opts.Jitter > 0 {
		c.jitter = opts.Jitter
	}
	c.seed = opts.Seed
	return c
}

var _ contract.Chunker = (*Chunker)(nil)

// Split 依次回调各片段；拼接结果与输入逐字节相等。
func (c *Chunker) Split(ctx context.Context, r io.Reader, yield func(chunk string) error) error {
	rng := rand.New(rand.NewPCG(c.seed, c.seed^0x9e3779b97f4a7c15))
	br := bufio.NewReader(r)
	buf := make([]byte, c.size+c.jitter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n := c.next(rng)
		got, err := io.ReadFull(br, buf[:n])
		if got > 0 {
			if yerr := yield(string(buf[:got])); yerr != nil {
				return yerr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Chunker) next(rng *rand.Rand) int {
	if c.jitter == 0 {
		return c.size
	}
	lo := c.size - c.jitter
	if lo < 1 {
		lo = 1
	}
	hi := c.size + c.jitter
	return lo + rng.IntN(hi-lo+1)
}

package rate

import (
	"context"
	"math"
	"sync"
	"time"

	"artiflow/pkg/contract"
)

// LimitKey: 限流分组键（client + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm"`                 // 每分钟流式请求数（首轮与续写都计入）
	TPM             int `json:"tpm"`                 // 每分钟估算 token
	MaxTokensPerReq int `json:"max_tokens_per_req"` // 单次请求上限（输入+预期输出）
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // >=1
	Tokens   int // >=0
}

// Gate: 流式请求闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 结束；超过单请求上限立即返回 ErrInvalidInput。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
	// Snapshot 返回当前可用额度（向下取整，仅诊断）。
	Snapshot(key LimitKey) (requests, tokens int)
}

// NewGate: clk 为空时使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

// Unlimited 返回不做任何限制的闸门。
func Unlimited() Gate { return NewGate(nil, nil) }

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket
	tok bucket
}

// bucket: 令牌桶，容量即每分钟额度，按秒线性回填。
type bucket struct {
	cap   float64
	level float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{lim: lim, req: newBucket(lim.RPM, now), tok: newBucket(lim.TPM, now)}
}

func newBucket(perMin int, now time.Time) bucket {
	if perMin <= 0 {
		return bucket{}
	}
	return bucket{cap: float64(perMin), level: float64(perMin), last: now}
}

func (b *bucket) off() bool { return b.cap == 0 }

func (b *bucket) refill(now time.Time) {
	if b.off() {
		return
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.level = math.Min(b.cap, b.level+dt*b.cap/60)
		b.last = now
	}
}

// need 返回凑齐 n 还差的秒数；0 表示可立即取用。
func (b *bucket) need(n int) float64 {
	if b.off() || n <= 0 {
		return 0
	}
	// 单次申请大于容量时按满桶放行，避免永久等待
	want := math.Min(float64(n), b.cap)
	if d := want - b.level; d > 0 {
		return d * 60 / b.cap
	}
	return 0
}

func (b *bucket) take(n int) {
	if b.off() || n <= 0 {
		return
	}
	b.level = math.Max(0, b.level-float64(n))
}

func (b *bucket) avail() int {
	if b.off() {
		return 0
	}
	return int(math.Max(0, math.Min(b.level, b.cap)))
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, contract.ErrInvalidInput
	}
	return e, nil
}

// acquire 尝试一次取用；失败时返回需要等待的时长。
func (g *gate) acquire(e *entry, a Ask) (bool, time.Duration) {
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	wait := math.Max(e.req.need(a.Requests), e.tok.need(a.Tokens))
	if wait > 0 {
		return false, time.Duration(wait * float64(time.Second))
	}
	e.req.take(a.Requests)
	e.tok.take(a.Tokens)
	return true, 0
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	ok, _ := g.acquire(e, a)
	return ok
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	const maxSleep = 200 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, d := g.acquire(e, a)
		if ok {
			return nil
		}
		d = min(max(d, minSleep), maxSleep)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (g *gate) Snapshot(key LimitKey) (requests, tokens int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	return e.req.avail(), e.tok.avail()
}

var _ Gate = (*gate)(nil)

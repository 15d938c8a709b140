// Package ratelimit holds per-service call budgets: a requests-per-minute
// limiter combined with a ceiling on in-flight calls.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Budget 服务级别的调用额度，各服务互相独立
type Budget struct {
	name    string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewBudget requestsPerMinute <= 0 表示不限速，maxConcurrent <= 0 时为 1
func NewBudget(name string, requestsPerMinute, maxConcurrent int) *Budget {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &Budget{
		name:    name,
		limiter: rate.NewLimiter(limit, maxConcurrent),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (b *Budget) Name() string { return b.name }

// Acquire 阻塞直到获得并发槽位和速率令牌，调用方必须调用 release
func (b *Budget) Acquire(ctx context.Context) (func(), error) {
	if b == nil {
		return func() {}, nil
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		b.sem.Release(1)
		return nil, err
	}
	return func() { b.sem.Release(1) }, nil
}

// Registry 按服务名查找额度
type Registry map[string]*Budget

// Get 未配置的服务返回 nil（不限制）
func (r Registry) Get(name string) *Budget {
	return r[name]
}

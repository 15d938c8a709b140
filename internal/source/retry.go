package source

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/pkg/logger"
)

// RetryPolicy Fibonacci 退避，只重试 ErrSourceUnavailable
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

type retrying struct {
	Adapter
	policy RetryPolicy
	logger *zap.Logger
}

// WithRetry 为 adapter 增加重试。AuthExpiredError 和其它错误直接返回。
func WithRetry(a Adapter, policy RetryPolicy, logger *zap.Logger) Adapter {
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	return &retrying{Adapter: a, policy: policy, logger: logger}
}

func (r *retrying) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.policy.MaxRetries, retry.NewFibonacci(r.policy.Base))
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrSourceUnavailable) {
			return err
		}
		logger.WithTrace(ctx, r.logger).Warn("source unavailable, retrying",
			zap.String("account", r.Account()),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
}

func (r *retrying) FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error) {
	var items []model.SourceItem
	err := r.do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		items, err = r.Adapter.FetchUnread(ctx, limit)
		return err
	})
	return items, err
}

func (r *retrying) MarkProcessed(ctx context.Context, ids []string) error {
	return r.do(ctx, "mark", func(ctx context.Context) error {
		return r.Adapter.MarkProcessed(ctx, ids)
	})
}

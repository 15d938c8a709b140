package source

import (
	"context"

	"newsdigest/internal/model"
)

// Budget 限制对外部服务的调用速率和并发
type Budget interface {
	Acquire(ctx context.Context) (release func(), err error)
}

type budgeted struct {
	Adapter
	budget Budget
}

// WithBudget 每次拉取/标记前先获取额度
func WithBudget(a Adapter, budget Budget) Adapter {
	if budget == nil {
		return a
	}
	return &budgeted{Adapter: a, budget: budget}
}

func (b *budgeted) FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error) {
	release, err := b.budget.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return b.Adapter.FetchUnread(ctx, limit)
}

func (b *budgeted) MarkProcessed(ctx context.Context, ids []string) error {
	release, err := b.budget.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return b.Adapter.MarkProcessed(ctx, ids)
}

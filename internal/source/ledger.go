package source

import (
	"context"
	"fmt"

	"newsdigest/internal/model"
)

// Ledger 记录已经标记过的邮件，util.Deduper 是 Redis 实现
type Ledger interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// MarkCounter 由会跳过部分 id 的 adapter 实现，返回实际交给邮箱的数量
type MarkCounter interface {
	MarkProcessedCounted(ctx context.Context, ids []string) (int, error)
}

// Mark 调用 MarkProcessed 并返回实际标记的数量
func Mark(ctx context.Context, a Adapter, ids []string) (int, error) {
	if c, ok := a.(MarkCounter); ok {
		return c.MarkProcessedCounted(ctx, ids)
	}
	if err := a.MarkProcessed(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

type ledgered struct {
	Adapter
	ledger Ledger
}

// WithLedger 在两次拉取之间跳过已经标记过的 id。
// 再次出现在 FetchUnread 结果里的邮件说明仍是未读，它的记录会被清除，下一次 MarkProcessed 会重新标记。
func WithLedger(a Adapter, ledger Ledger) Adapter {
	if ledger == nil {
		return a
	}
	return &ledgered{Adapter: a, ledger: ledger}
}

func (l *ledgered) scope() string {
	return fmt.Sprintf("marked:%s", l.Account())
}

func (l *ledgered) FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error) {
	items, err := l.Adapter.FetchUnread(ctx, limit)
	if err != nil {
		return nil, err
	}
	scope := l.scope()
	for _, item := range items {
		l.ledger.Release(ctx, scope, item.ID)
	}
	return items, nil
}

func (l *ledgered) MarkProcessed(ctx context.Context, ids []string) error {
	_, err := l.MarkProcessedCounted(ctx, ids)
	return err
}

func (l *ledgered) MarkProcessedCounted(ctx context.Context, ids []string) (int, error) {
	scope := l.scope()
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if l.ledger.AcquireOnce(ctx, scope, id) {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := l.Adapter.MarkProcessed(ctx, fresh); err != nil {
		for _, id := range fresh {
			l.ledger.Release(ctx, scope, id)
		}
		return 0, err
	}
	return len(fresh), nil
}

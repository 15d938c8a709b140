package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"newsdigest/internal/source"
	"newsdigest/pkg/logger"
)

type markResult struct {
	account string
	marked  int
	err     error
}

// markIDs 每个拉取成功的邮箱需要标记的邮件
func (o *Orchestrator) markIDs(rs *runState) map[string][]string {
	ids := make(map[string][]string)
	for _, item := range rs.items {
		res, ok := rs.results[item.Key()]
		if !ok {
			continue
		}
		if res.IsNewsletter || o.cfg.MarkNonNewsletters {
			ids[item.Account] = append(ids[item.Account], item.ID)
		}
	}
	return ids
}

// markProcessed 只在投递成功之后调用；失败写进 SourceOutcome，不改变 run 的结果
func (o *Orchestrator) markProcessed(ctx context.Context, rs *runState) {
	ids := o.markIDs(rs)
	results := make(chan markResult, len(ids))
	calls := 0
	for i := range rs.run.Sources {
		outcome := rs.run.Sources[i]
		if !outcome.Succeeded() || len(ids[outcome.Account]) == 0 {
			continue
		}
		adapter := rs.adapters[outcome.Account]
		accountIDs := ids[outcome.Account]
		calls++
		go func() {
			results <- o.mark(ctx, adapter, accountIDs)
		}()
	}

	log := logger.WithTrace(ctx, o.logger)
	for i := 0; i < calls; i++ {
		r := <-results
		outcome := rs.run.Source(r.account)
		if r.err != nil {
			outcome.MarkError = r.err.Error()
			log.Warn("mark processed failed", zap.String("account", r.account), zap.Error(r.err))
			continue
		}
		outcome.Marked = r.marked
		log.Info("items marked processed", zap.String("account", r.account), zap.Int("count", r.marked))
	}
	o.publishSnapshot(rs)
}

func (o *Orchestrator) mark(ctx context.Context, adapter source.Adapter, ids []string) (res markResult) {
	res.account = adapter.Account()
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("mark panicked: %v", r)
		}
	}()
	res.marked, res.err = source.Mark(ctx, adapter, ids)
	return res
}

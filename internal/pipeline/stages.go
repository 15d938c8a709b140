package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"newsdigest/internal/event"
	"newsdigest/internal/model"
	"newsdigest/internal/source"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
)

// runState 只由 run goroutine 访问
type runState struct {
	run    model.PipelineRun
	parent context.Context

	items    []model.SourceItem
	adapters map[string]source.Adapter
	results  map[model.ItemKey]model.ClassificationResult
	digest   model.Digest
}

func (rs *runState) cancelled() bool {
	return rs.parent.Err() != nil
}

type stage interface {
	state() model.RunState
	run(ctx context.Context, rs *runState) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		collectStage{o},
		classifyStage{o},
		summarizeStage{o},
		deliverStage{o},
	}
}

// ---- collect ----

type collectStage struct{ o *Orchestrator }

func (collectStage) state() model.RunState { return model.StateCollecting }

type fetchResult struct {
	account string
	items   []model.SourceItem
	err     error
}

func (s collectStage) run(ctx context.Context, rs *runState) error {
	o := s.o
	if len(o.sources) == 0 {
		return fmt.Errorf("%w: no sources configured", ErrAllSourcesFailed)
	}

	results := make(chan fetchResult, len(o.sources))
	for _, src := range o.sources {
		src := src
		go func() {
			results <- o.fetch(ctx, src)
		}()
	}

	byAccount := make(map[string]fetchResult, len(o.sources))
	for range o.sources {
		r := <-results
		byAccount[r.account] = r
	}

	rs.adapters = make(map[string]source.Adapter, len(o.sources))
	seen := make(map[model.ItemKey]bool)
	succeeded := 0
	log := logger.WithTrace(ctx, o.logger)

	// 按配置顺序处理，保证 items 顺序稳定
	for _, src := range o.sources {
		account := src.Account()
		r := byAccount[account]
		rs.adapters[account] = src
		outcome := model.SourceOutcome{Account: account}

		if r.err != nil {
			kind := source.ErrorKind(r.err)
			outcome.Failures = 1
			outcome.Error = r.err.Error()
			outcome.ErrorKind = kind
			outcome.AuthExpired = source.IsAuthExpired(r.err)
			rs.run.Sources = append(rs.run.Sources, outcome)

			metrics.IncrementSourceFetch(account, kind)
			log.Warn("source fetch failed",
				zap.String("account", account),
				zap.String("error_kind", kind),
				zap.Error(r.err),
			)
			o.emit(event.SourceFetchFailed, "source", rs, map[string]any{
				"account":      account,
				"error":        r.err.Error(),
				"error_kind":   kind,
				"auth_expired": outcome.AuthExpired,
			})
			continue
		}

		for _, item := range r.items {
			if item.Account == "" {
				item.Account = account
			}
			if seen[item.Key()] {
				continue
			}
			seen[item.Key()] = true
			rs.items = append(rs.items, item)
			outcome.Fetched++
		}
		succeeded++
		rs.run.Sources = append(rs.run.Sources, outcome)

		metrics.IncrementSourceFetch(account, "success")
		o.emit(event.SourceFetchDone, "source", rs, map[string]any{
			"account": account,
			"fetched": outcome.Fetched,
		})
	}

	rs.run.ItemCount = len(rs.items)
	if rs.cancelled() {
		return ErrCancelled
	}
	if succeeded == 0 {
		return ErrAllSourcesFailed
	}
	return nil
}

// fetch 单个邮箱的失败（包括 panic）不影响其它邮箱
func (o *Orchestrator) fetch(ctx context.Context, src source.Adapter) (res fetchResult) {
	res.account = src.Account()
	defer func() {
		if r := recover(); r != nil {
			logger.WithTrace(ctx, o.logger).Error("source adapter panicked",
				zap.String("account", res.account),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res.items, res.err = nil, fmt.Errorf("source adapter panicked: %v", r)
		}
	}()
	res.items, res.err = src.FetchUnread(ctx, o.cfg.MaxItemsPerRun)
	return res
}

// ---- classify ----

type classifyStage struct{ o *Orchestrator }

func (classifyStage) state() model.RunState { return model.StateClassifying }

type classified struct {
	result model.ClassificationResult
	err    error
}

func (s classifyStage) run(ctx context.Context, rs *runState) error {
	o := s.o
	rs.results = make(map[model.ItemKey]model.ClassificationResult, len(rs.items))
	if len(rs.items) == 0 {
		return nil
	}

	if p, ok := o.classifier.(BatchPreparer); ok {
		p.Prepare(ctx, rs.items)
	}

	sem := semaphore.NewWeighted(int64(o.cfg.ClassifyConcurrency))
	out := make(chan classified, len(rs.items))
	launched := 0
	for _, item := range rs.items {
		// 父 context 取消后不再启动新的分类
		if err := sem.Acquire(rs.parent, 1); err != nil {
			break
		}
		launched++
		item := item
		go func() {
			defer sem.Release(1)
			out <- o.classify(ctx, item, rs.items)
		}()
	}

	var firstErr error
	for i := 0; i < launched; i++ {
		c := <-out
		if c.err != nil {
			if firstErr == nil {
				firstErr = c.err
			}
			continue
		}
		res := c.result
		rs.results[res.Key()] = res
		if res.IsNewsletter {
			rs.run.Newsletters++
		}
		if res.Degraded() {
			rs.run.Degraded++
		}
		o.emit(event.ItemClassified, "classifier", rs, map[string]any{
			"account":       res.Account,
			"item_id":       res.ItemID,
			"is_newsletter": res.IsNewsletter,
			"category":      string(res.Category),
			"confidence":    res.Confidence,
			"reasons":       res.Reasons,
		})
	}

	if firstErr != nil {
		return firstErr
	}
	if launched < len(rs.items) || rs.cancelled() {
		return ErrCancelled
	}
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, item model.SourceItem, peers []model.SourceItem) (c classified) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("classifier panicked on %s/%s: %v", item.Account, item.ID, r)
		}
	}()
	return classified{result: o.classifier.Classify(ctx, item, peers)}
}

// ---- summarize ----

type summarizeStage struct{ o *Orchestrator }

func (summarizeStage) state() model.RunState { return model.StateSummarizing }

func (s summarizeStage) run(ctx context.Context, rs *runState) error {
	o := s.o
	grouped := make(map[model.Category][]model.SourceItem)
	for _, item := range rs.items {
		res, ok := rs.results[item.Key()]
		if ok && res.IsNewsletter {
			grouped[res.Category] = append(grouped[res.Category], item)
		}
	}

	rs.digest = model.Digest{
		RunID:       rs.run.ID,
		GeneratedAt: o.now().UTC(),
		ItemCount:   rs.run.Newsletters,
	}
	if len(grouped) == 0 {
		return nil
	}

	entries, err := o.summarizer.Summarize(ctx, grouped)
	if len(entries) == 0 && err != nil {
		// 摘要器没有给出任何条目时自行生成占位
		for _, cat := range model.Categories {
			if items := grouped[cat]; len(items) > 0 {
				entries = append(entries, model.PlaceholderEntry(cat, items))
			}
		}
	}
	rs.digest.Entries = entries
	for _, e := range entries {
		if e.Failed {
			rs.digest.Partial = true
		}
	}
	rs.run.Partial = rs.digest.Partial

	if err != nil {
		// 摘要失败不阻止投递
		logger.WithTrace(ctx, o.logger).Warn("summarization failed, delivering placeholders", zap.Error(err))
		o.emit(event.StageFailed, "summarizer", rs, map[string]any{
			"stage": string(model.StateSummarizing),
			"error": err.Error(),
		})
	}
	return nil
}

// ---- deliver ----

type deliverStage struct{ o *Orchestrator }

func (deliverStage) state() model.RunState { return model.StateDelivering }

func (s deliverStage) run(ctx context.Context, rs *runState) error {
	o := s.o
	if err := o.deliverer.Deliver(ctx, rs.digest); err != nil {
		return err
	}
	o.emit(event.DigestDelivered, "delivery", rs, map[string]any{
		"categories": len(rs.digest.Entries),
		"items":      rs.digest.ItemCount,
		"partial":    rs.digest.Partial,
		"empty":      rs.digest.Empty(),
	})
	return nil
}

// Package pipeline runs the collect, classify, summarize and deliver stages
// of a digest run and owns the run state machine.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsdigest/internal/event"
	"newsdigest/internal/model"
	"newsdigest/internal/source"
	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
	"newsdigest/pkg/trace"
)

const componentOrchestrator = "orchestrator"

// Config 编排器配置
type Config struct {
	// 每个邮箱每次 run 最多拉取的邮件数
	MaxItemsPerRun int `yaml:"max_items_per_run"`
	// 同时分类的邮件数
	ClassifyConcurrency int `yaml:"classify_concurrency"`
	// 关闭时给进行中外部调用的宽限期
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// 为 true 时非 newsletter 也标记为已处理
	MarkNonNewsletters bool `yaml:"mark_non_newsletters"`
	// 审计写入超时
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxItemsPerRun <= 0 {
		c.MaxItemsPerRun = 100
	}
	if c.ClassifyConcurrency <= 0 {
		c.ClassifyConcurrency = 4
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 5 * time.Second
	}
	return c
}

// Deps 编排器依赖。Recorder 和 Events 可以为 nil。
type Deps struct {
	Sources    []source.Adapter
	Classifier Classifier
	Summarizer Summarizer
	Deliverer  Deliverer
	Recorder   Recorder
	Events     Emitter
}

// Orchestrator 同一时刻至多一个非终态 run。
// 每个 run 由单独的 goroutine 推进，只有这个 goroutine 修改 PipelineRun；
// 其它 goroutine 通过 Active 读取快照。
type Orchestrator struct {
	cfg        Config
	sources    []source.Adapter
	classifier Classifier
	summarizer Summarizer
	deliverer  Deliverer
	recorder   Recorder
	events     Emitter
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	active   *model.PipelineRun
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Classifier == nil || deps.Summarizer == nil || deps.Deliverer == nil {
		return nil, fmt.Errorf("pipeline: classifier, summarizer and deliverer are required")
	}
	seen := make(map[string]bool, len(deps.Sources))
	for _, s := range deps.Sources {
		if seen[s.Account()] {
			return nil, fmt.Errorf("pipeline: duplicate source account %q", s.Account())
		}
		seen[s.Account()] = true
	}

	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		sources:    deps.Sources,
		classifier: deps.Classifier,
		summarizer: deps.Summarizer,
		deliverer:  deps.Deliverer,
		recorder:   deps.Recorder,
		events:     deps.Events,
		logger:     logger,
		now:        time.Now,
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.events == nil {
		o.events = nopEmitter{}
	}
	return o, nil
}

// Start 开始一个新 run 并立即返回。
// ctx 是 run 的父 context：取消后 run 在阶段之间中止，进行中的外部调用有 ShutdownGrace 的宽限期。
// done 在 run 进入终态后收到最终快照。
func (o *Orchestrator) Start(ctx context.Context, trigger model.TriggerKind) (string, <-chan model.PipelineRun, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", nil, ErrClosed
	}
	if o.active != nil {
		activeID := o.active.ID
		o.mu.Unlock()
		o.logger.Info("trigger rejected: run in progress",
			zap.String("trigger", string(trigger)),
			zap.String("active_run_id", activeID),
		)
		metrics.RecordRun(string(trigger), "rejected")
		return "", nil, ErrRunInProgress
	}

	run := model.PipelineRun{
		ID:        trace.NewRunID(),
		Trigger:   trigger,
		State:     model.StateIdle,
		StartedAt: o.now().UTC(),
	}
	snapshot := run.Clone()
	o.active = &snapshot
	o.inflight.Add(1)
	o.mu.Unlock()

	done := make(chan model.PipelineRun, 1)
	go o.execute(ctx, run, done)
	return run.ID, done, nil
}

// Run 启动并等待 run 结束
func (o *Orchestrator) Run(ctx context.Context, trigger model.TriggerKind) (model.PipelineRun, error) {
	_, done, err := o.Start(ctx, trigger)
	if err != nil {
		return model.PipelineRun{}, err
	}
	return <-done, nil
}

// Active 返回当前非终态 run 的快照
func (o *Orchestrator) Active() (model.PipelineRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return model.PipelineRun{}, false
	}
	return o.active.Clone(), true
}

// Accepting 是否还接受新的 run
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

// Drain 拒绝新的 run 并等待进行中的 run 结束
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(parent context.Context, run model.PipelineRun, done chan<- model.PipelineRun) {
	parent = trace.WithContext(parent, run.ID)

	// 外部调用使用 callCtx：父 context 取消后再等 ShutdownGrace 才取消
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(parent))
	defer cancelCalls()
	stopGrace := context.AfterFunc(parent, func() {
		time.AfterFunc(o.cfg.ShutdownGrace, cancelCalls)
	})
	defer stopGrace()

	rs := &runState{run: run, parent: parent}
	log := logger.WithTrace(parent, o.logger)

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			if !rs.run.State.Terminal() {
				o.fail(callCtx, rs, rs.run.State, fmt.Errorf("panic: %v", r))
			}
		}
		o.finish(callCtx, rs, done)
	}()

	o.record(callCtx, "start", func(ctx context.Context) error { return o.recorder.RecordStart(ctx, rs.run) })
	log.Info("pipeline run started", zap.String("trigger", string(run.Trigger)), zap.Int("sources", len(o.sources)))
	o.emit(event.RunStarted, componentOrchestrator, rs, map[string]any{
		"trigger": string(run.Trigger),
		"sources": len(o.sources),
	})

	for _, st := range o.stages() {
		o.transition(callCtx, rs, st.state())
		if parent.Err() != nil {
			o.fail(callCtx, rs, st.state(), ErrCancelled)
			return
		}

		started := time.Now()
		err := o.runStage(callCtx, st, rs)
		if err != nil {
			metrics.RecordStageDuration(string(st.state()), "failed", time.Since(started))
			o.fail(callCtx, rs, st.state(), err)
			return
		}
		metrics.RecordStageDuration(string(st.state()), "success", time.Since(started))
		o.emit(event.StageCompleted, componentOrchestrator, rs, map[string]any{
			"stage":       string(st.state()),
			"duration_ms": time.Since(started).Milliseconds(),
		})
	}

	// 投递成功后才标记
	o.markProcessed(callCtx, rs)

	o.transition(callCtx, rs, model.StateCompleted)
	metrics.RecordRun(string(rs.run.Trigger), "completed")
	log.Info("pipeline run completed",
		zap.Int("items", rs.run.ItemCount),
		zap.Int("newsletters", rs.run.Newsletters),
		zap.Int("degraded", rs.run.Degraded),
		zap.Bool("summarization_partial", rs.run.Partial),
	)
	o.emit(event.RunCompleted, componentOrchestrator, rs, map[string]any{
		"items":                 rs.run.ItemCount,
		"newsletters":           rs.run.Newsletters,
		"summarization_partial": rs.run.Partial,
	})
}

// runStage 阶段内的 panic 转为错误
func (o *Orchestrator) runStage(ctx context.Context, st stage, rs *runState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithTrace(ctx, o.logger).Error("stage panicked",
				zap.String("stage", string(st.state())),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic in %s: %v", st.state(), r)
		}
	}()
	return st.run(ctx, rs)
}

func (o *Orchestrator) transition(ctx context.Context, rs *runState, to model.RunState) {
	t := model.Transition{From: rs.run.State, To: to, At: o.now().UTC()}
	rs.run.State = to
	rs.run.Transitions = append(rs.run.Transitions, t)
	o.publishSnapshot(rs)

	logger.WithTrace(ctx, o.logger).Debug("run state changed",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
	o.record(ctx, "transition", func(ctx context.Context) error {
		return o.recorder.RecordTransition(ctx, rs.run.ID, t)
	})
}

func (o *Orchestrator) fail(ctx context.Context, rs *runState, stage model.RunState, err error) {
	rs.run.FailedStage = stage
	rs.run.Error = err.Error()

	logger.WithTrace(ctx, o.logger).Error("pipeline run failed",
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
	o.emit(event.StageFailed, componentOrchestrator, rs, map[string]any{
		"stage": string(stage),
		"error": err.Error(),
	})
	o.transition(ctx, rs, model.StateFailed)
	metrics.RecordRun(string(rs.run.Trigger), "failed")
	o.emit(event.RunFailed, componentOrchestrator, rs, map[string]any{
		"stage": string(stage),
		"error": err.Error(),
	})
}

// finish 先释放单 run 槽位，再把最终快照交给调用方
func (o *Orchestrator) finish(ctx context.Context, rs *runState, done chan<- model.PipelineRun) {
	ended := o.now().UTC()
	rs.run.EndedAt = &ended
	o.record(ctx, "outcome", func(ctx context.Context) error { return o.recorder.RecordOutcome(ctx, rs.run) })

	final := rs.run.Clone()
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
	o.inflight.Done()

	done <- final
	close(done)
}

func (o *Orchestrator) publishSnapshot(rs *runState) {
	snapshot := rs.run.Clone()
	o.mu.Lock()
	o.active = &snapshot
	o.mu.Unlock()
}

func (o *Orchestrator) emit(kind event.Kind, component string, rs *runState, payload map[string]any) {
	o.events.Emit(kind, component, rs.run.ID, payload)
}

// record 审计写入失败只记日志
func (o *Orchestrator) record(ctx context.Context, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RecordTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.WithTrace(ctx, o.logger).Warn("run audit write failed", zap.String("op", op), zap.Error(err))
	}
}

package pipeline

import (
	"context"
	"errors"

	"newsdigest/internal/event"
	"newsdigest/internal/model"
)

var (
	// ErrRunInProgress 已有非终态 run，新触发被拒绝（不排队）
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
	// ErrClosed Drain 之后不再接受新的 run
	ErrClosed = errors.New("orchestrator is shutting down")
	// ErrAllSourcesFailed 没有任何邮箱拉取成功
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrCancelled 进程关闭导致 run 中止
	ErrCancelled = errors.New("cancelled")
)

// Classifier 从不返回错误，AI 不可用时给出降级结果
type Classifier interface {
	Classify(ctx context.Context, item model.SourceItem, peers []model.SourceItem) model.ClassificationResult
}

// BatchPreparer 可选接口：Classifier 实现后，分类并发开始前先看到整批邮件
type BatchPreparer interface {
	Prepare(ctx context.Context, items []model.SourceItem)
}

// Summarizer 返回按分类排序的条目；部分分类失败时条目中带占位，全部失败时同时返回错误
type Summarizer interface {
	Summarize(ctx context.Context, grouped map[model.Category][]model.SourceItem) ([]model.DigestEntry, error)
}

// Deliverer 投递摘要，失败时 run 进入 FAILED
type Deliverer interface {
	Deliver(ctx context.Context, digest model.Digest) error
}

// Recorder 只追加的运行审计。错误只记录日志，不影响 run 的决策。
type Recorder interface {
	RecordStart(ctx context.Context, run model.PipelineRun) error
	RecordTransition(ctx context.Context, runID string, t model.Transition) error
	RecordOutcome(ctx context.Context, run model.PipelineRun) error
}

// Emitter 由 *event.Bus 实现
type Emitter interface {
	Emit(kind event.Kind, component, correlationID string, payload map[string]any)
}

type nopRecorder struct{}

func (nopRecorder) RecordStart(context.Context, model.PipelineRun) error             { return nil }
func (nopRecorder) RecordTransition(context.Context, string, model.Transition) error { return nil }
func (nopRecorder) RecordOutcome(context.Context, model.PipelineRun) error           { return nil }

type nopEmitter struct{}

func (nopEmitter) Emit(event.Kind, string, string, map[string]any) {}

package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/internal/pipeline"
)

// DefaultMisfireGrace 定时器晚于计划时间超过该值时放弃本次触发
const DefaultMisfireGrace = 300 * time.Second

// Starter 由 *pipeline.Orchestrator 实现
type Starter interface {
	Start(ctx context.Context, trigger model.TriggerKind) (string, <-chan model.PipelineRun, error)
}

// Manager 一个每日定时器加手动触发，两者都只调用 Starter.Start，单 run 约束由编排器保证
type Manager struct {
	schedule     Schedule
	starter      Starter
	logger       *zap.Logger
	misfireGrace time.Duration

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	nextRun time.Time
}

func NewManager(schedule Schedule, starter Starter, logger *zap.Logger) *Manager {
	return &Manager{
		schedule:     schedule,
		starter:      starter,
		logger:       logger,
		misfireGrace: DefaultMisfireGrace,
		now:          time.Now,
		after:        time.After,
	}
}

// NextRun 下一次计划触发时间，Run 启动前为零值
func (m *Manager) NextRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRun
}

// Run 阻塞直到 ctx 取消。错过的触发不补跑。
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("trigger manager started", zap.String("schedule", m.schedule.String()))
	next := m.schedule.Next(m.now())
	for {
		m.mu.Lock()
		m.nextRun = next
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.logger.Info("trigger manager stopped")
			return nil
		case <-m.after(next.Sub(m.now())):
		}

		fired := m.now()
		if late := fired.Sub(next); late > m.misfireGrace {
			m.logger.Warn("scheduled run skipped: timer fired too late",
				zap.Time("scheduled_for", next),
				zap.Duration("late", late),
			)
		} else if fired.Before(next) {
			// 定时器提前返回时继续等待同一个时间点
			continue
		} else {
			m.fire(ctx, next)
		}
		next = m.schedule.Next(maxTime(fired, next))
	}
}

func (m *Manager) fire(ctx context.Context, scheduledFor time.Time) {
	runID, _, err := m.starter.Start(ctx, model.TriggerScheduled)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		m.logger.Warn("scheduled run skipped: a run is in progress", zap.Time("scheduled_for", scheduledFor))
	case err != nil:
		m.logger.Error("scheduled run could not start", zap.Time("scheduled_for", scheduledFor), zap.Error(err))
	default:
		m.logger.Info("scheduled run started", zap.String("run_id", runID), zap.Time("scheduled_for", scheduledFor))
	}
}

// TriggerNow 手动触发；已有 run 时返回 pipeline.ErrRunInProgress
func (m *Manager) TriggerNow(ctx context.Context) (string, <-chan model.PipelineRun, error) {
	return m.starter.Start(ctx, model.TriggerManual)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

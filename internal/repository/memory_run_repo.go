package repository

import (
	"context"
	"sort"
	"sync"

	"newsdigest/internal/model"
)

// MemoryRunRepository 未配置数据库时使用，只保留最近 capacity 个 run
type MemoryRunRepository struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]*model.PipelineRun
	order    []string
}

func NewMemoryRunRepository(capacity int) *MemoryRunRepository {
	if capacity <= 0 {
		capacity = maxListLimit
	}
	return &MemoryRunRepository{capacity: capacity, runs: make(map[string]*model.PipelineRun)}
}

func (m *MemoryRunRepository) RecordStart(_ context.Context, run model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return nil
	}
	stored := run.Clone()
	stored.Transitions = nil
	m.runs[run.ID] = &stored
	m.order = append(m.order, run.ID)
	for len(m.order) > m.capacity {
		delete(m.runs, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryRunRepository) RecordTransition(_ context.Context, runID string, t model.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Transitions = append(run.Transitions, t)
	if !run.State.Terminal() {
		run.State = t.To
	}
	return nil
}

func (m *MemoryRunRepository) RecordOutcome(_ context.Context, run model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.EndedAt != nil {
		return nil
	}
	transitions := stored.Transitions
	*stored = run.Clone()
	stored.Transitions = transitions
	return nil
}

func (m *MemoryRunRepository) Get(_ context.Context, id string) (model.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return model.PipelineRun{}, ErrRunNotFound
	}
	return run.Clone(), nil
}

func (m *MemoryRunRepository) List(_ context.Context, limit int) ([]model.PipelineRun, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	runs := make([]model.PipelineRun, 0, len(m.runs))
	for _, run := range m.runs {
		out := run.Clone()
		out.Transitions = nil
		runs = append(runs, out)
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

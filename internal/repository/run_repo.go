package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsdigest/internal/model"
	"newsdigest/pkg/db"
	"newsdigest/pkg/outbox"
)

// ErrRunNotFound 查询的 run 不存在
var ErrRunNotFound = errors.New("run not found")

const (
	AggregateRun        = "pipeline_run"
	RoutingRunCompleted = "pipeline.run.completed"
	RoutingRunFailed    = "pipeline.run.failed"
	defaultListLimit    = 20
	maxListLimit        = 200
)

// RunSchema 运行记录表。transitions 只追加。
const RunSchema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	trigger      TEXT        NOT NULL,
	state        TEXT        NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	item_count   INT         NOT NULL DEFAULT 0,
	newsletters  INT         NOT NULL DEFAULT 0,
	degraded     INT         NOT NULL DEFAULT 0,
	partial      BOOLEAN     NOT NULL DEFAULT FALSE,
	failed_stage TEXT        NOT NULL DEFAULT '',
	error        TEXT        NOT NULL DEFAULT '',
	sources      JSONB       NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs (started_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_run_transitions (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT        NOT NULL REFERENCES pipeline_runs (id),
	from_state TEXT        NOT NULL,
	to_state   TEXT        NOT NULL,
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_run_transitions_run ON pipeline_run_transitions (run_id, id);
`

// OutcomeRoutingKey 终态对应的 outbox routing key
func OutcomeRoutingKey(state model.RunState) string {
	if state == model.StateCompleted {
		return RoutingRunCompleted
	}
	return RoutingRunFailed
}

// RunRepository 基于 Postgres 的运行审计
type RunRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewRunRepository(pool *pgxpool.Pool, outboxRepo *outbox.Repository) *RunRepository {
	return &RunRepository{db: pool, outbox: outboxRepo}
}

// EnsureSchema 建表（幂等）
func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, RunSchema); err != nil {
		return fmt.Errorf("failed to create run schema: %w", err)
	}
	return nil
}

func (r *RunRepository) RecordStart(ctx context.Context, run model.PipelineRun) error {
	ctx = db.WithStatementName(ctx, "run_start")
	_, err := r.db.Exec(ctx, `
		INSERT INTO pipeline_runs (id, trigger, state, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, string(run.Trigger), string(run.State), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (r *RunRepository) RecordTransition(ctx context.Context, runID string, t model.Transition) error {
	ctx = db.WithStatementName(ctx, "run_transition")
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO pipeline_run_transitions (run_id, from_state, to_state, at)
		VALUES ($1, $2, $3, $4)
	`, runID, string(t.From), string(t.To), t.At)
	batch.Queue(`
		UPDATE pipeline_runs SET state = $2
		WHERE id = $1 AND state NOT IN ('COMPLETED', 'FAILED')
	`, runID, string(t.To))
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordOutcome 终态与 outbox 事件在同一事务中写入；终态只写一次
func (r *RunRepository) RecordOutcome(ctx context.Context, run model.PipelineRun) error {
	ctx = db.WithStatementName(ctx, "run_outcome")
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("failed to encode sources: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = $2, ended_at = $3, item_count = $4, newsletters = $5, degraded = $6,
		    partial = $7, failed_stage = $8, error = $9, sources = $10
		WHERE id = $1 AND ended_at IS NULL
	`, run.ID, string(run.State), run.EndedAt, run.ItemCount, run.Newsletters, run.Degraded,
		run.Partial, string(run.FailedStage), run.Error, sources)
	if err != nil {
		return fmt.Errorf("failed to update run outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s has no open record", run.ID)
	}

	if r.outbox != nil {
		if _, err := r.outbox.InsertPayloadInTx(ctx, tx, AggregateRun, run.ID, OutcomeRoutingKey(run.State), run); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run outcome: %w", err)
	}
	return nil
}

const runColumns = `id, trigger, state, started_at, ended_at, item_count, newsletters, degraded,
	partial, failed_stage, error, sources`

func scanRun(row pgx.Row) (model.PipelineRun, error) {
	var (
		run                         model.PipelineRun
		trigger, state, failedStage string
		sources                     []byte
	)
	err := row.Scan(
		&run.ID,
		&trigger,
		&state,
		&run.StartedAt,
		&run.EndedAt,
		&run.ItemCount,
		&run.Newsletters,
		&run.Degraded,
		&run.Partial,
		&failedStage,
		&run.Error,
		&sources,
	)
	if err != nil {
		return run, err
	}
	run.Trigger = model.TriggerKind(trigger)
	run.State = model.RunState(state)
	run.FailedStage = model.RunState(failedStage)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &run.Sources); err != nil {
			return run, fmt.Errorf("failed to decode sources: %w", err)
		}
	}
	return run, nil
}

// Get 返回 run 及其全部状态变更
func (r *RunRepository) Get(ctx context.Context, id string) (model.PipelineRun, error) {
	ctx = db.WithStatementName(ctx, "run_get")
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PipelineRun{}, ErrRunNotFound
	}
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT from_state, to_state, at FROM pipeline_run_transitions
		WHERE run_id = $1 ORDER BY id ASC
	`, id)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to string
		var t model.Transition
		if err := rows.Scan(&from, &to, &t.At); err != nil {
			return model.PipelineRun{}, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From, t.To = model.RunState(from), model.RunState(to)
		run.Transitions = append(run.Transitions, t)
	}
	return run, rows.Err()
}

// List 最近的 run，按开始时间倒序，不含 transitions
func (r *RunRepository) List(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	limit = clampLimit(limit)
	ctx = db.WithStatementName(ctx, "run_list")
	rows, err := r.db.Query(ctx, `SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.PipelineRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"newsdigest/pkg/logger"
	"newsdigest/pkg/metrics"
)

type queryStartKey struct{}

type statementNameKey struct{}

// WithStatementName 为后续查询指定慢查询指标的 statement 标签
func WithStatementName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, statementNameKey{}, name)
}

type queryStart struct {
	at  time.Time
	sql string
}

// SlowQueryTracer 慢查询监控 Tracer
type SlowQueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewSlowQueryTracer 创建慢查询 Tracer，阈值为 0 时默认 100ms
func NewSlowQueryTracer(logger *zap.Logger, slowThreshold time.Duration) *SlowQueryTracer {
	if slowThreshold == 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &SlowQueryTracer{logger: logger, slowThreshold: slowThreshold}
}

// TraceQueryStart 查询开始时的钩子
func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

// TraceQueryEnd 查询结束时的钩子
func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	took := time.Since(start.at)
	if took <= t.slowThreshold {
		return
	}

	statement, _ := ctx.Value(statementNameKey{}).(string)
	if statement == "" {
		statement = statementName(start.sql)
	}
	logger.WithTrace(ctx, t.logger).Warn("slow-query",
		zap.String("statement", statement),
		zap.String("sql", truncate(start.sql, 200)),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
	)
	metrics.IncrementSlowQuery(statement)
}

// statementName 取 SQL 的前两个关键字作为低基数标签，例如 "INSERT INTO"
func statementName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) > 2 {
		fields = fields[:2]
	}
	return strings.ToUpper(strings.Join(fields, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

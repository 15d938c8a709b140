package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 流水线运行次数
	PipelineRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_pipeline_runs_total",
			Help: "Total number of pipeline runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // outcome: completed, failed, rejected
	)

	// 各阶段耗时（秒）
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digest_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"stage", "status"},
	)

	// 邮箱拉取结果
	SourceFetchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_source_fetch_total",
			Help: "Source fetch attempts by account and status",
		},
		[]string{"account", "status"}, // status: success, unavailable, auth_expired, failed
	)

	// 分类结果
	ClassificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_classifications_total",
			Help: "Classified items by verdict and mode",
		},
		[]string{"verdict", "mode"}, // verdict: newsletter, other; mode: ai, degraded
	)

	// AI 调用延迟（毫秒）
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digest_ai_call_latency_ms",
			Help:    "AI collaborator call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~25s
		},
		[]string{"operation", "status"},
	)

	// 摘要失败的分类
	SummaryFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_summary_failures_total",
			Help: "Categories whose summarization failed",
		},
		[]string{"category"},
	)

	// 投递结果
	DeliveryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_deliveries_total",
			Help: "Digest deliveries by channel and status",
		},
		[]string{"channel", "status"},
	)

	// 事件总线丢弃的事件
	BusDroppedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_bus_dropped_events_total",
			Help: "Events dropped because a subscriber queue stayed full",
		},
		[]string{"kind", "subscriber"},
	)

	// 慢查询
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)
)

// RecordRun 记录一次运行结果
func RecordRun(trigger, outcome string) {
	PipelineRunCount.WithLabelValues(trigger, outcome).Inc()
}

// RecordStageDuration 记录阶段耗时
func RecordStageDuration(stage, status string, duration time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncrementSourceFetch 增加拉取计数
func IncrementSourceFetch(account, status string) {
	SourceFetchCount.WithLabelValues(account, status).Inc()
}

// IncrementClassification 增加分类计数
func IncrementClassification(newsletter, degraded bool) {
	verdict, mode := "other", "ai"
	if newsletter {
		verdict = "newsletter"
	}
	if degraded {
		mode = "degraded"
	}
	ClassificationCount.WithLabelValues(verdict, mode).Inc()
}

// RecordAICallLatency 记录 AI 调用延迟
func RecordAICallLatency(operation, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSummaryFailure 增加摘要失败计数
func IncrementSummaryFailure(category string) {
	SummaryFailureCount.WithLabelValues(category).Inc()
}

// IncrementDelivery 增加投递计数
func IncrementDelivery(channel, status string) {
	DeliveryCount.WithLabelValues(channel, status).Inc()
}

// IncrementBusDropped 增加丢弃事件计数
func IncrementBusDropped(kind, subscriber string) {
	BusDroppedCount.WithLabelValues(kind, subscriber).Inc()
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(statement string) {
	SlowQueryCount.WithLabelValues(statement).Inc()
}

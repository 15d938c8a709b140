package event

import (
	"strings"
	"time"
)

// Kind 是封闭的事件类型集合
type Kind string

const (
	RunStarted        Kind = "RUN_STARTED"
	SourceFetchDone   Kind = "SOURCE_FETCH_DONE"
	SourceFetchFailed Kind = "SOURCE_FETCH_FAILED"
	ItemClassified    Kind = "ITEM_CLASSIFIED"
	StageCompleted    Kind = "STAGE_COMPLETED"
	StageFailed       Kind = "STAGE_FAILED"
	DigestDelivered   Kind = "DIGEST_DELIVERED"
	RunCompleted      Kind = "RUN_COMPLETED"
	RunFailed         Kind = "RUN_FAILED"
)

// Kinds 所有事件类型
var Kinds = []Kind{
	RunStarted,
	SourceFetchDone,
	SourceFetchFailed,
	ItemClassified,
	StageCompleted,
	StageFailed,
	DigestDelivered,
	RunCompleted,
	RunFailed,
}

// RoutingKey 转发到 MQ 时使用，例如 digest.event.run_started
func (k Kind) RoutingKey() string {
	return "digest.event." + strings.ToLower(string(k))
}

// Event 写入后不再修改
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Component     string         `json:"component"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

package model

import "time"

// RunState 流水线状态
type RunState string

const (
	StateIdle        RunState = "IDLE"
	StateCollecting  RunState = "COLLECTING"
	StateClassifying RunState = "CLASSIFYING"
	StateSummarizing RunState = "SUMMARIZING"
	StateDelivering  RunState = "DELIVERING"
	StateCompleted   RunState = "COMPLETED"
	StateFailed      RunState = "FAILED"
)

// Terminal COMPLETED / FAILED 之后 run 不再变化
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TriggerKind 触发方式
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "SCHEDULED"
	TriggerManual    TriggerKind = "MANUAL"
)

// SourceOutcome 单个邮箱在本次 run 中的结果
type SourceOutcome struct {
	Account     string `json:"account"`
	Fetched     int    `json:"fetched"`
	Marked      int    `json:"marked"`
	Failures    int    `json:"failures"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	AuthExpired bool   `json:"auth_expired,omitempty"`
	MarkError   string `json:"mark_error,omitempty"`
}

// Succeeded 拉取是否成功
func (o SourceOutcome) Succeeded() bool {
	return o.Error == ""
}

// Transition 状态变更审计记录
type Transition struct {
	From RunState  `json:"from"`
	To   RunState  `json:"to"`
	At   time.Time `json:"at"`
}

// PipelineRun 一次运行。终态后不再复用。
type PipelineRun struct {
	ID          string          `json:"id"`
	Trigger     TriggerKind     `json:"trigger"`
	State       RunState        `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Sources     []SourceOutcome `json:"sources"`
	ItemCount   int             `json:"item_count"`
	Newsletters int             `json:"newsletters"`
	Degraded    int             `json:"degraded"`
	Partial     bool            `json:"summarization_partial"`
	FailedStage RunState        `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	Transitions []Transition    `json:"transitions,omitempty"`
}

// Clone 深拷贝，给并发读者使用
func (r PipelineRun) Clone() PipelineRun {
	out := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	out.Sources = append([]SourceOutcome(nil), r.Sources...)
	out.Transitions = append([]Transition(nil), r.Transitions...)
	return out
}

// Source 返回指定账户的结果，没有时返回 nil
func (r *PipelineRun) Source(account string) *SourceOutcome {
	for i := range r.Sources {
		if r.Sources[i].Account == account {
			return &r.Sources[i]
		}
	}
	return nil
}

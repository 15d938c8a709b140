package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// HeaderName 是 run id 在 HTTP / AMQP header 中的名称
const HeaderName = "X-Run-ID"

// NewRunID 生成一个新的 run id（同时作为事件的 correlation id）
func NewRunID() string {
	return uuid.NewString()
}

// FromContext 从 context 中获取 run id
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext 将 run id 添加到 context 中
func WithContext(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, runID)
}

package event

import (
	"context"

	"go.uber.org/zap"
)

// LogSink 把每个事件写成一条结构化日志
func LogSink(logger *zap.Logger) Handler {
	return func(_ context.Context, ev Event) error {
		fields := []zap.Field{
			zap.String("kind", string(ev.Kind)),
			zap.String("component", ev.Component),
			zap.String("run_id", ev.CorrelationID),
		}
		if len(ev.Payload) > 0 {
			fields = append(fields, zap.Any("payload", ev.Payload))
		}
		switch ev.Kind {
		case SourceFetchFailed, StageFailed, RunFailed:
			logger.Warn("pipeline event", fields...)
		case ItemClassified:
			logger.Debug("pipeline event", fields...)
		default:
			logger.Info("pipeline event", fields...)
		}
		return nil
	}
}

// Publisher 是 MQ 发布端
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// MQBridge 把事件单向转发到 RabbitMQ，供外部观察；ITEM_CLASSIFIED 量大，默认不转发
func MQBridge(pub Publisher, includeItems bool) Handler {
	return func(ctx context.Context, ev Event) error {
		if ev.Kind == ItemClassified && !includeItems {
			return nil
		}
		return pub.PublishWithContext(ctx, ev.Kind.RoutingKey(), ev)
	}
}

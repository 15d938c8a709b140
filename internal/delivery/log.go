package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"newsdigest/internal/model"
)

// LogDeliverer 开发环境使用：把渲染后的摘要写进日志
type LogDeliverer struct {
	logger *zap.Logger
	loc    *time.Location
}

func NewLog(logger *zap.Logger, loc *time.Location) *LogDeliverer {
	return &LogDeliverer{logger: logger, loc: loc}
}

func (l *LogDeliverer) Deliver(ctx context.Context, digest model.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("digest delivered",
		zap.String("run_id", digest.RunID),
		zap.Int("items", digest.ItemCount),
		zap.Int("categories", len(digest.Entries)),
		zap.Bool("partial", digest.Partial),
		zap.String("text", Render(digest, l.loc)),
	)
	return nil
}

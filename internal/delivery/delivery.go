// Package delivery sends a finished digest to its reader.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/pkg/metrics"
)

// ErrDeliveryFailed 投递失败，run 进入 FAILED 且不标记任何邮件
var ErrDeliveryFailed = errors.New("digest delivery failed")

const (
	ChannelSMTP = "smtp"
	ChannelMQ   = "mq"
	ChannelLog  = "log"
)

// Deliverer 投递协作者。返回的错误都包装了 ErrDeliveryFailed。
type Deliverer interface {
	Deliver(ctx context.Context, digest model.Digest) error
}

// Config 投递配置，channel 选择实现
type Config struct {
	Channel    string     `yaml:"channel"`
	SMTP       SMTPConfig `yaml:"smtp"`
	RoutingKey string     `yaml:"routing_key"`
	// 渲染摘要日期使用的时区，默认 UTC
	Location *time.Location `yaml:"-"`
}

// New 按 channel 构造 Deliverer；publisher 只在 mq 通道使用
func New(cfg Config, publisher Publisher, logger *zap.Logger) (Deliverer, error) {
	var d Deliverer
	switch strings.ToLower(cfg.Channel) {
	case ChannelSMTP:
		if err := cfg.SMTP.Validate(); err != nil {
			return nil, err
		}
		d = NewSMTP(cfg.SMTP, cfg.Location)
	case ChannelMQ:
		if publisher == nil {
			return nil, fmt.Errorf("delivery channel mq requires a publisher")
		}
		d = NewMQ(publisher, cfg.RoutingKey)
	case ChannelLog, "":
		cfg.Channel = ChannelLog
		d = NewLog(logger, cfg.Location)
	default:
		return nil, fmt.Errorf("unknown delivery channel %q", cfg.Channel)
	}
	return instrumented{channel: strings.ToLower(cfg.Channel), next: d, logger: logger}, nil
}

type instrumented struct {
	channel string
	next    Deliverer
	logger  *zap.Logger
}

func (i instrumented) Deliver(ctx context.Context, digest model.Digest) error {
	err := i.next.Deliver(ctx, digest)
	if err != nil {
		metrics.IncrementDelivery(i.channel, "failed")
		i.logger.Error("digest delivery failed",
			zap.String("run_id", digest.RunID),
			zap.String("channel", i.channel),
			zap.Error(err),
		)
		if !errors.Is(err, ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
		return err
	}
	metrics.IncrementDelivery(i.channel, "success")
	return nil
}

// Subject 邮件主题 / 消息标题
func Subject(digest model.Digest, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("Newsletter digest %s (%d)", digest.GeneratedAt.In(loc).Format("2006-01-02"), digest.ItemCount)
}

// Render 纯文本摘要，分类按固定顺序
func Render(digest model.Digest, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Newsletter digest for %s\n", digest.GeneratedAt.In(loc).Format("Monday 02 January 2006"))

	if digest.Empty() {
		b.WriteString("\nNo newsletters arrived since the last digest.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%d newsletters in %d categories\n", digest.ItemCount, len(digest.Entries))
	if digest.Partial {
		b.WriteString("Some categories could not be summarized.\n")
	}

	for _, entry := range digest.Entries {
		fmt.Fprintf(&b, "\n== %s (%d) ==\n", entry.Category, entry.ItemCount)
		if entry.Overview != "" {
			b.WriteString(entry.Overview)
			b.WriteString("\n")
		}
		for _, line := range entry.Lines {
			fmt.Fprintf(&b, "- %s: %s\n", line.Sender, line.Summary)
		}
	}
	return b.String()
}

package delivery

import (
	"context"

	"newsdigest/internal/model"
)

const DefaultRoutingKey = "digest.ready"

// Publisher 由 pkg/mq.Publisher 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// MQDeliverer 把摘要 JSON 发布到 exchange，由下游消费者展示
type MQDeliverer struct {
	pub        Publisher
	routingKey string
}

func NewMQ(pub Publisher, routingKey string) *MQDeliverer {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &MQDeliverer{pub: pub, routingKey: routingKey}
}

type digestMessage struct {
	model.Digest
	Text string `json:"text"`
}

func (m *MQDeliverer) Deliver(ctx context.Context, digest model.Digest) error {
	return m.pub.PublishWithContext(ctx, m.routingKey, digestMessage{Digest: digest, Text: Render(digest, nil)})
}

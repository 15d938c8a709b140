package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"newsdigest/pkg/metrics"
	"newsdigest/pkg/trace"
)

// Handler 处理事件。返回的 error 和 panic 只会被记录，不会传播给发布者。
type Handler func(ctx context.Context, ev Event) error

type subscriber struct {
	name    string
	handler Handler
	queue   chan Event
}

// Bus 进程内 pub/sub。每个订阅者有独立的有界队列和 goroutine，保证订阅者内 FIFO。
type Bus struct {
	logger         *zap.Logger
	queueSize      int
	publishTimeout time.Duration

	mu     sync.RWMutex
	byKind map[Kind][]*subscriber
	all    []*subscriber
	closed bool
	wg     sync.WaitGroup
}

// Option 配置 Bus
type Option func(*Bus)

// WithQueueSize 每个订阅者的队列长度
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithPublishTimeout 队列满时发布者最多等待多久
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:         logger,
		queueSize:      256,
		publishTimeout: 100 * time.Millisecond,
		byKind:         make(map[Kind][]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe 注册某一类事件的处理函数
func (b *Bus) Subscribe(kind Kind, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.byKind[kind] = append(b.byKind[kind], b.start(name, h))
}

// SubscribeAll 注册接收所有事件的 sink
func (b *Bus) SubscribeAll(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.all = append(b.all, b.start(name, h))
}

func (b *Bus) start(name string, h Handler) *subscriber {
	s := &subscriber{name: name, handler: h, queue: make(chan Event, b.queueSize)}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.queue {
			b.dispatch(s, ev)
		}
	}()
	return s
}

func (b *Bus) dispatch(s *subscriber, ev Event) {
	ctx := trace.WithContext(context.Background(), ev.CorrelationID)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscriber", s.name),
				zap.String("kind", string(ev.Kind)),
				zap.String("run_id", ev.CorrelationID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("subscriber", s.name),
			zap.String("kind", string(ev.Kind)),
			zap.String("run_id", ev.CorrelationID),
			zap.Error(err),
		)
	}
}

// Publish 投递给所有匹配的订阅者；没有订阅者时直接丢弃
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.byKind[ev.Kind] {
		b.enqueue(s, ev)
	}
	for _, s := range b.all {
		b.enqueue(s, ev)
	}
}

// Emit 是 Publish 的便捷写法
func (b *Bus) Emit(kind Kind, component, correlationID string, payload map[string]any) {
	b.Publish(Event{Kind: kind, Component: component, CorrelationID: correlationID, Payload: payload})
}

func (b *Bus) enqueue(s *subscriber, ev Event) {
	select {
	case s.queue <- ev:
		return
	default:
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case s.queue <- ev:
	case <-timer.C:
		metrics.IncrementBusDropped(string(ev.Kind), s.name)
		b.logger.Warn("event dropped: subscriber queue full",
			zap.String("subscriber", s.name),
			zap.String("kind", string(ev.Kind)),
			zap.String("run_id", ev.CorrelationID),
			zap.Duration("timeout", b.publishTimeout),
		)
	}
}

// Close 停止接收事件，等待所有队列处理完毕
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.byKind {
		for _, s := range subs {
			close(s.queue)
		}
	}
	for _, s := range b.all {
		close(s.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

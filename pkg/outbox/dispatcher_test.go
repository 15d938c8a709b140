package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"newsdigest/pkg/trace"
)

type fakeStore struct {
	pending []*Event
	sent    []int64
	failed  []int64
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	s.failed = append(s.failed, id)
	return nil
}

type fakePublisher struct {
	failKey string
	runIDs  []string
	keys    []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, key string, _ any) error {
	if key == p.failKey {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, key)
	p.runIDs = append(p.runIDs, trace.FromContext(ctx))
	return nil
}

func TestDispatchOnce(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{"run_id": "run-1", "outcome": "COMPLETED"})
	store := &fakeStore{pending: []*Event{
		{ID: 1, AggregateType: "pipeline_run", AggregateID: "run-1", RoutingKey: "pipeline.run.completed", Payload: payload},
		{ID: 2, AggregateType: "pipeline_run", AggregateID: "run-2", RoutingKey: "pipeline.run.failed", Payload: json.RawMessage(`{}`)},
		{ID: 3, AggregateType: "pipeline_run", AggregateID: "run-3", RoutingKey: "bad", Payload: json.RawMessage(`not json`)},
	}}
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, zaptest.NewLogger(t)).WithBatchSize(10)
	sent := d.DispatchOnce(context.Background())

	require.Equal(t, 2, sent)
	assert.Equal(t, []int64{1, 2}, store.sent)
	assert.Equal(t, []int64{3}, store.failed)
	assert.Equal(t, []string{"run-1", "run-2"}, pub.runIDs)
}

func TestDispatchOncePublishFailure(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		{ID: 7, RoutingKey: "pipeline.run.completed", Payload: json.RawMessage(`{"run_id":"r"}`)},
	}}
	pub := &fakePublisher{failKey: "pipeline.run.completed"}

	sent := NewDispatcher(store, pub, zaptest.NewLogger(t)).DispatchOnce(context.Background())

	assert.Zero(t, sent)
	assert.Empty(t, store.sent)
	assert.Equal(t, []int64{7}, store.failed)
}

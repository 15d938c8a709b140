package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"newsdigest/internal/event"
	"newsdigest/internal/model"
	"newsdigest/internal/repository"
	"newsdigest/internal/source"
	"newsdigest/internal/summarizer"
)

// ---- fakes ----

type fakeSource struct {
	account  string
	items    []model.SourceItem
	fetchErr error
	entered  chan struct{}
	release  chan struct{}
	markErr  error

	mu    sync.Mutex
	marks [][]string
}

func (f *fakeSource) Account() string { return f.account }

func (f *fakeSource) FetchUnread(ctx context.Context, limit int) ([]model.SourceItem, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, source.Unavailable(f.account, ctx.Err())
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	items := f.items
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeSource) MarkProcessed(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, append([]string(nil), ids...))
	return nil
}

func (f *fakeSource) marked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.marks {
		out = append(out, batch...)
	}
	return out
}

// 以 X-Category header 决定是否为 newsletter
type fakeClassifier struct {
	panicOn string
}

func (f fakeClassifier) Classify(_ context.Context, item model.SourceItem, _ []model.SourceItem) model.ClassificationResult {
	if item.ID == f.panicOn {
		panic("bad item")
	}
	res := model.ClassificationResult{ItemID: item.ID, Account: item.Account, Category: model.CategoryOther, Confidence: 0.1}
	if cat := item.Header("X-Category"); cat != "" {
		res.IsNewsletter = true
		res.Category = model.Category(cat)
		res.Confidence = 0.9
		res.Reasons = []string{model.ReasonAI}
	} else {
		res.Reasons = []string{model.ReasonDegraded}
	}
	return res
}

type summaryAI struct {
	fail map[model.Category]bool
}

func (s summaryAI) Summarize(_ context.Context, cat model.Category, items []model.SourceItem) (string, error) {
	if s.fail[cat] {
		return "", errors.New("model overloaded")
	}
	return fmt.Sprintf("%d %s stories", len(items), cat), nil
}

type fakeDeliverer struct {
	err    error
	before func()

	mu      sync.Mutex
	digests []model.Digest
}

func (f *fakeDeliverer) Deliver(_ context.Context, d model.Digest) error {
	if f.before != nil {
		f.before()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests = append(f.digests, d)
	return f.err
}

func (f *fakeDeliverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.digests)
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) handle(_ context.Context, ev event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Kind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	deliverer *fakeDeliverer
	recorder  *repository.MemoryRunRepository
	bus       *event.Bus
	events    *eventLog
}

func newHarness(t *testing.T, cfg Config, sources []source.Adapter, cls Classifier, ai summaryAI) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		deliverer: &fakeDeliverer{},
		recorder:  repository.NewMemoryRunRepository(10),
		bus:       event.NewBus(logger, event.WithQueueSize(1024)),
		events:    &eventLog{},
	}
	h.bus.SubscribeAll("test", h.events.handle)
	t.Cleanup(h.bus.Close)

	orch, err := New(cfg, Deps{
		Sources:    sources,
		Classifier: cls,
		Summarizer: summarizer.New(summarizer.Config{}, ai, logger),
		Deliverer:  h.deliverer,
		Recorder:   h.recorder,
		Events:     h.bus,
	}, logger)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) flushEvents() []event.Kind {
	h.bus.Close()
	return h.events.kinds()
}

var t0 = time.Date(2026, 4, 20, 6, 0, 0, 0, time.UTC)

func newsletter(account, id string, cat model.Category) model.SourceItem {
	return model.SourceItem{
		ID:         id,
		Account:    account,
		Sender:     "news@" + account,
		Subject:    "issue " + id,
		Headers:    map[string]string{"X-Category": string(cat)},
		ReceivedAt: t0,
	}
}

func personal(account, id string) model.SourceItem {
	return model.SourceItem{ID: id, Account: account, Sender: "friend@" + account, Subject: "hi", ReceivedAt: t0}
}

// ---- scenarios ----

func TestAuthExpiredSourceIsIsolated(t *testing.T) {
	a := &fakeSource{account: "a", items: []model.SourceItem{
		newsletter("a", "1", model.CategoryTech),
		newsletter("a", "2", model.CategoryNews),
	}}
	b := &fakeSource{account: "b", fetchErr: &source.AuthExpiredError{Account: "b"}}
	c := &fakeSource{account: "c", items: []model.SourceItem{
		newsletter("c", "1", model.CategoryTech),
		personal("c", "2"),
	}}
	h := newHarness(t, Config{}, []source.Adapter{a, b, c}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, model.StateCompleted, run.State)
	assert.Equal(t, 4, run.ItemCount)
	assert.Equal(t, 3, run.Newsletters)

	outB := run.Source("b")
	require.NotNil(t, outB)
	assert.True(t, outB.AuthExpired)
	assert.Equal(t, "auth_expired", outB.ErrorKind)
	assert.Equal(t, 0, outB.Marked)

	assert.ElementsMatch(t, []string{"1", "2"}, a.marked())
	assert.Equal(t, []string{"1"}, c.marked())
	assert.Empty(t, b.marked())
	assert.Equal(t, 2, run.Source("a").Marked)

	require.Equal(t, 1, h.deliverer.calls())
	assert.Len(t, h.deliverer.digests[0].Entries, 2)

	kinds := h.flushEvents()
	assert.Contains(t, kinds, event.SourceFetchFailed)
	assert.Equal(t, event.RunStarted, kinds[0])
	assert.Equal(t, event.RunCompleted, kinds[len(kinds)-1])
}

func TestHealthSummarizationFailureStillDelivers(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{
		newsletter("a", "1", model.CategoryTech),
		newsletter("a", "2", model.CategoryHealth),
		newsletter("a", "3", model.CategoryHealth),
	}}
	ai := summaryAI{fail: map[model.Category]bool{model.CategoryHealth: true}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, ai)

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, model.StateCompleted, run.State)
	assert.True(t, run.Partial)

	require.Equal(t, 1, h.deliverer.calls())
	digest := h.deliverer.digests[0]
	require.Len(t, digest.Entries, 2)
	assert.Equal(t, model.CategoryTech, digest.Entries[0].Category)
	assert.False(t, digest.Entries[0].Failed)
	health := digest.Entries[1]
	assert.True(t, health.Failed)
	assert.Equal(t, "summarization failed for HEALTH", health.Overview)
	assert.Equal(t, 2, health.ItemCount)

	assert.ElementsMatch(t, []string{"1", "2", "3"}, src.marked())
}

func TestAllCategoriesFailingStillDelivers(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}}
	ai := summaryAI{fail: map[model.Category]bool{model.CategoryTech: true}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, ai)

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, model.StateCompleted, run.State)
	assert.True(t, run.Partial)
	assert.Equal(t, 1, h.deliverer.calls())
	assert.Contains(t, h.flushEvents(), event.StageFailed)
}

func TestDeliveryFailureFailsRunWithoutMarking(t *testing.T) {
	a := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}}
	b := &fakeSource{account: "b", items: []model.SourceItem{newsletter("b", "1", model.CategoryNews)}}
	h := newHarness(t, Config{MarkNonNewsletters: true}, []source.Adapter{a, b}, fakeClassifier{}, summaryAI{})
	h.deliverer.err = errors.New("smtp 451")

	run, err := h.orch.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateDelivering, run.FailedStage)
	assert.Contains(t, run.Error, "smtp 451")
	assert.Empty(t, a.marked())
	assert.Empty(t, b.marked())

	kinds := h.flushEvents()
	assert.Contains(t, kinds, event.StageFailed)
	assert.Equal(t, event.RunFailed, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, event.DigestDelivered)
}

func TestMarksHappenOnlyAfterDelivery(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	var marksAtDelivery int
	h.deliverer.before = func() { marksAtDelivery = len(src.marked()) }

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, run.State)
	assert.Equal(t, 0, marksAtDelivery)
	assert.Equal(t, []string{"1"}, src.marked())
}

func TestSecondTriggerDuringCollectingIsRejected(t *testing.T) {
	src := &fakeSource{
		account: "a",
		items:   []model.SourceItem{newsletter("a", "1", model.CategoryTech)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	runID, done, err := h.orch.Start(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)
	<-src.entered

	active, ok := h.orch.Active()
	require.True(t, ok)
	assert.Equal(t, runID, active.ID)
	assert.Equal(t, model.StateCollecting, active.State)

	_, _, err = h.orch.Start(context.Background(), model.TriggerManual)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(src.release)
	run := <-done
	assert.Equal(t, model.StateCompleted, run.State)
	assert.Equal(t, runID, run.ID)

	_, ok = h.orch.Active()
	assert.False(t, ok)

	// the slot is free again once the first run is terminal
	src.entered, src.release = nil, nil
	second, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, runID, second.ID)
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryLedger) AcquireOnce(_ context.Context, scope, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	if l.seen[scope+"/"+id] {
		return false
	}
	l.seen[scope+"/"+id] = true
	return true
}

func (l *memoryLedger) Release(_ context.Context, scope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, scope+"/"+id)
}

// mailbox 带 \Seen 标志的邮箱，只返回未读邮件
type mailbox struct {
	account string
	items   []model.SourceItem

	mu     sync.Mutex
	seen   map[string]bool
	stores int
}

func (m *mailbox) Account() string { return m.account }

func (m *mailbox) FetchUnread(_ context.Context, limit int) ([]model.SourceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SourceItem
	for _, item := range m.items {
		if !m.seen[item.ID] && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mailbox) MarkProcessed(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	m.stores++
	for _, id := range ids {
		m.seen[id] = true
	}
	return nil
}

func (m *mailbox) markUnread(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
}

func TestItemMarkedUnreadAgainIsRemarked(t *testing.T) {
	box := &mailbox{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}}
	ledger := &memoryLedger{}
	h := newHarness(t, Config{}, []source.Adapter{source.WithLedger(box, ledger)}, fakeClassifier{}, summaryAI{})
	ctx := context.Background()

	first, err := h.orch.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, first.State)
	assert.Equal(t, 1, first.Source("a").Marked)

	// the user flips the item back to unread
	box.markUnread("1")

	second, err := h.orch.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, second.State)
	assert.Equal(t, 1, second.Source("a").Fetched)
	assert.Equal(t, 1, second.Source("a").Marked)
	assert.Equal(t, 2, box.stores)

	// now read again: the third run sees nothing new and stores nothing
	third, err := h.orch.Run(ctx, model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Source("a").Fetched)
	assert.Equal(t, 2, box.stores)
	require.Equal(t, 3, h.deliverer.calls())
	assert.True(t, h.deliverer.digests[2].Empty())
}

// preparingClassifier 记录 Prepare 时看到的批次，以及 Classify 是否发生在 Prepare 之前
type preparingClassifier struct {
	fakeClassifier

	mu       sync.Mutex
	prepared []model.SourceItem
	early    int
}

func (p *preparingClassifier) Prepare(_ context.Context, items []model.SourceItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared = append([]model.SourceItem(nil), items...)
}

func (p *preparingClassifier) Classify(ctx context.Context, item model.SourceItem, peers []model.SourceItem) model.ClassificationResult {
	p.mu.Lock()
	if p.prepared == nil {
		p.early++
	}
	p.mu.Unlock()
	return p.fakeClassifier.Classify(ctx, item, peers)
}

func TestClassifierPreparedWithWholeBatchBeforeFanOut(t *testing.T) {
	a := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech), newsletter("a", "2", model.CategoryNews)}}
	b := &fakeSource{account: "b", items: []model.SourceItem{newsletter("b", "3", model.CategoryTech)}}
	cls := &preparingClassifier{}
	h := newHarness(t, Config{ClassifyConcurrency: 3}, []source.Adapter{a, b}, cls, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, run.State)
	assert.Equal(t, 0, cls.early)
	assert.Len(t, cls.prepared, 3)
}

func TestMarkFailureDoesNotFailRun(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}, markErr: source.ErrSourceUnavailable}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, run.State)
	assert.NotEmpty(t, run.Source("a").MarkError)
	assert.Equal(t, 0, run.Source("a").Marked)
}

func TestAllSourcesFailedFailsRun(t *testing.T) {
	a := &fakeSource{account: "a", fetchErr: source.Unavailable("a", errors.New("dial tcp: refused"))}
	b := &fakeSource{account: "b", fetchErr: &source.AuthExpiredError{Account: "b"}}
	h := newHarness(t, Config{}, []source.Adapter{a, b}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateCollecting, run.FailedStage)
	assert.Equal(t, ErrAllSourcesFailed.Error(), run.Error)
	assert.Equal(t, 0, h.deliverer.calls())
	assert.Len(t, run.Sources, 2)
}

func TestNoSourcesFailsRun(t *testing.T) {
	h := newHarness(t, Config{}, nil, fakeClassifier{}, summaryAI{})
	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
}

func TestEmptyDigestIsDelivered(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{personal("a", "1")}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, run.State)
	assert.Equal(t, 0, run.Newsletters)
	assert.Equal(t, 1, run.Degraded)
	require.Equal(t, 1, h.deliverer.calls())
	assert.True(t, h.deliverer.digests[0].Empty())
	assert.Empty(t, src.marked())
}

func TestDuplicateItemsAreCollectedOnce(t *testing.T) {
	item := newsletter("a", "1", model.CategoryTech)
	src := &fakeSource{account: "a", items: []model.SourceItem{item, item}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.ItemCount)
	assert.Equal(t, 1, run.Source("a").Fetched)
	assert.Equal(t, []string{"1"}, src.marked())
}

func TestMaxItemsPerRunIsPassedToSources(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{
		newsletter("a", "1", model.CategoryTech),
		newsletter("a", "2", model.CategoryTech),
		newsletter("a", "3", model.CategoryTech),
	}}
	h := newHarness(t, Config{MaxItemsPerRun: 2}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, run.ItemCount)
}

func TestClassifierPanicFailsRun(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{
		newsletter("a", "1", model.CategoryTech),
		newsletter("a", "2", model.CategoryTech),
	}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{panicOn: "2"}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, model.StateClassifying, run.FailedStage)
	assert.Contains(t, run.Error, "panicked")
	assert.Equal(t, 0, h.deliverer.calls())
	assert.Empty(t, src.marked())
}

func TestCancellationFailsRunAfterGrace(t *testing.T) {
	src := &fakeSource{
		account: "a",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, Config{ShutdownGrace: 20 * time.Millisecond}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	ctx, cancel := context.WithCancel(context.Background())
	_, done, err := h.orch.Start(ctx, model.TriggerScheduled)
	require.NoError(t, err)
	<-src.entered
	cancel()

	select {
	case run := <-done:
		assert.Equal(t, model.StateFailed, run.State)
		assert.Equal(t, "cancelled", run.Error)
		assert.Equal(t, model.StateCollecting, run.FailedStage)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after the grace period")
	}
	assert.Equal(t, 0, h.deliverer.calls())
}

func TestTransitionsAreRecorded(t *testing.T) {
	src := &fakeSource{account: "a", items: []model.SourceItem{newsletter("a", "1", model.CategoryTech)}}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	run, err := h.orch.Run(context.Background(), model.TriggerManual)
	require.NoError(t, err)

	stored, err := h.recorder.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, stored.State)
	require.NotNil(t, stored.EndedAt)

	var path []model.RunState
	for _, tr := range stored.Transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []model.RunState{
		model.StateCollecting,
		model.StateClassifying,
		model.StateSummarizing,
		model.StateDelivering,
		model.StateCompleted,
	}, path)
	assert.Equal(t, model.StateIdle, stored.Transitions[0].From)
}

func TestDrainRejectsNewRuns(t *testing.T) {
	src := &fakeSource{account: "a"}
	h := newHarness(t, Config{}, []source.Adapter{src}, fakeClassifier{}, summaryAI{})

	require.NoError(t, h.orch.Drain(context.Background()))
	_, _, err := h.orch.Start(context.Background(), model.TriggerManual)
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.orch.Accepting())
}

func TestNewRejectsDuplicateAccounts(t *testing.T) {
	_, err := New(Config{}, Deps{
		Sources:    []source.Adapter{&fakeSource{account: "a"}, &fakeSource{account: "a"}},
		Classifier: fakeClassifier{},
		Summarizer: summarizer.New(summarizer.Config{}, summaryAI{}, zaptest.NewLogger(t)),
		Deliverer:  &fakeDeliverer{},
	}, zaptest.NewLogger(t))
	require.Error(t, err)
}

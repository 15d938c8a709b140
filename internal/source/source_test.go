package source

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

	"newsdigest/internal/model"
)

type scriptedAdapter struct {
	account   string
	fetchErrs []error
	markErr   error
	fetches   int
	marked    [][]string
}

func (s *scriptedAdapter) Account() string { return s.account }

func (s *scriptedAdapter) FetchUnread(context.Context, int) ([]model.SourceItem, error) {
	s.fetches++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return []model.SourceItem{{ID: "1", Account: s.account}}, nil
}

func (s *scriptedAdapter) MarkProcessed(_ context.Context, ids []string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, ids)
	return nil
}

var fastRetry = RetryPolicy{MaxRetries: 3, Base: time.Millisecond}

func TestWithRetryRetriesUnavailable(t *testing.T) {
	inner := &scriptedAdapter{account: "a", fetchErrs: []error{
		Unavailable("a", errors.New("dial tcp: connection refused")),
		Unavailable("a", errors.New("dial tcp: connection refused")),
	}}
	a := WithRetry(inner, fastRetry, zaptest.NewLogger(t))

	items, err := a.FetchUnread(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 3, inner.fetches)
}

func TestWithRetryGivesUpWithUnavailable(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = Unavailable("a", fmt.Errorf("attempt %d", i))
	}
	inner := &scriptedAdapter{account: "a", fetchErrs: errs}
	a := WithRetry(inner, fastRetry, zaptest.NewLogger(t))

	_, err := a.FetchUnread(context.Background(), 10)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, 4, inner.fetches)
}

func TestWithRetryDoesNotRetryAuthExpired(t *testing.T) {
	inner := &scriptedAdapter{account: "a", fetchErrs: []error{&AuthExpiredError{Account: "a"}}}
	a := WithRetry(inner, fastRetry, zaptest.NewLogger(t))

	_, err := a.FetchUnread(context.Background(), 10)
	require.True(t, IsAuthExpired(err))
	assert.Equal(t, 1, inner.fetches)
	assert.Equal(t, "auth_expired", ErrorKind(err))
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryLedger) AcquireOnce(_ context.Context, scope, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	if l.seen[scope+id] {
		return false
	}
	l.seen[scope+id] = true
	return true
}

func (l *memoryLedger) Release(_ context.Context, scope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, scope+id)
}

func TestWithLedgerMakesMarkIdempotent(t *testing.T) {
	inner := &scriptedAdapter{account: "a"}
	a := WithLedger(inner, &memoryLedger{})
	ctx := context.Background()

	require.NoError(t, a.MarkProcessed(ctx, []string{"1", "2"}))
	require.NoError(t, a.MarkProcessed(ctx, []string{"1", "2", "3"}))
	require.NoError(t, a.MarkProcessed(ctx, []string{"3"}))

	assert.Equal(t, [][]string{{"1", "2"}, {"3"}}, inner.marked)
}

func TestWithLedgerRemarksItemsFetchedAgain(t *testing.T) {
	inner := &scriptedAdapter{account: "a"}
	a := WithLedger(inner, &memoryLedger{})
	ctx := context.Background()

	n, err := Mark(ctx, a, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// still unread on the server: the next fetch returns it and the mark must be issued again
	items, err := a.FetchUnread(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	n, err = Mark(ctx, a, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]string{{"1"}, {"1"}}, inner.marked)

	// a repeated mark without a fetch in between is skipped and reported as zero
	n, err = Mark(ctx, a, []string{"1"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, inner.marked, 2)
}

func TestMarkWithoutCounterReportsAllIDs(t *testing.T) {
	inner := &scriptedAdapter{account: "a"}
	n, err := Mark(context.Background(), inner, []string{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWithLedgerReleasesOnFailure(t *testing.T) {
	inner := &scriptedAdapter{account: "a", markErr: Unavailable("a", errors.New("bye"))}
	ledger := &memoryLedger{}
	a := WithLedger(inner, ledger)
	ctx := context.Background()

	require.ErrorIs(t, a.MarkProcessed(ctx, []string{"1"}), ErrSourceUnavailable)

	inner.markErr = nil
	require.NoError(t, a.MarkProcessed(ctx, []string{"1"}))
	assert.Equal(t, [][]string{{"1"}}, inner.marked)
}

type countingBudget struct{ acquired, released int }

func (b *countingBudget) Acquire(context.Context) (func(), error) {
	b.acquired++
	return func() { b.released++ }, nil
}

func TestWithBudget(t *testing.T) {
	budget := &countingBudget{}
	a := WithBudget(&scriptedAdapter{account: "a"}, budget)

	_, err := a.FetchUnread(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, a.MarkProcessed(context.Background(), []string{"1"}))

	assert.Equal(t, 2, budget.acquired)
	assert.Equal(t, 2, budget.released)
	assert.Equal(t, "a", a.Account())
}

package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/attendance-tracker/internal/application"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type scriptedSender struct {
	mu      sync.Mutex
	err     error
	calls   int
	sent    []Item
	gate    chan struct{}
	entered chan struct{}
}

func (s *scriptedSender) Send(ctx context.Context, item Item) error {
	s.mu.Lock()
	s.calls++
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, item)
	return nil
}

func (s *scriptedSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestQueue(t *testing.T, sender Sender, clock *fakeClock) (*Queue, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	q := New(store, sender, Options{Now: clock.Now})
	t.Cleanup(q.Wait)
	return q, store
}

func TestConfig_BackoffIsMonotonicAndCapped(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 32*time.Second, cfg.Backoff(5))
	assert.Equal(t, 60*time.Second, cfg.Backoff(6))
	assert.Equal(t, 60*time.Second, cfg.Backoff(5000))

	prev := time.Duration(0)
	for attempts := 0; attempts < 40; attempts++ {
		delay := cfg.Backoff(attempts)
		assert.GreaterOrEqual(t, delay, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, delay, cfg.MaxDelay)
		prev = delay
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxAttempts: 3}.withDefaults()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, cfg.InitialDelay)
	assert.Equal(t, DefaultBackoffFactor, cfg.BackoffFactor)
	assert.Equal(t, DefaultDrainGrace, cfg.DrainGrace)
}

func TestQueue_ItemSurvivesFailuresUntilMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{err: errors.New("503 service unavailable")}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, Item{Kind: "join_event", SessionID: "s1", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	q.Wait()

	for i := 0; i < 2; i++ {
		res, err := q.ProcessQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deferred, "attempt inside the backoff window must wait")

		clock.Advance(q.Config().MaxDelay)
		res, err = q.ProcessQueue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	stored, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "503 service unavailable", *stored.LastError)
	assert.JSONEq(t, `{"n":1}`, string(stored.Payload))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Total: 1, Retrying: 1}, status)

	for i := 0; i < 5; i++ {
		clock.Advance(q.Config().MaxDelay)
		_, err := q.ProcessQueue(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultMaxAttempts, sender.callCount(), "no attempts past the limit")

	status, err = q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Total: 1, Failed: 1}, status, "exhausted items stay visible")
}

func TestQueue_DeliveredItemsAreRemoved(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Kind: "leave_event", SessionID: "s1"})
	require.NoError(t, err)
	q.Wait()

	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 1, sender.sent[0].Attempts)
}

func TestQueue_ProcessQueueIsSingleFlight(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event"}))
	done := q.Trigger(ctx)

	select {
	case <-sender.entered:
	case <-time.After(time.Second):
		t.Fatal("sender was not called")
	}

	res, err := q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, done, q.Trigger(ctx), "a trigger during a pass joins the running pass")

	close(sender.gate)
	<-done
	assert.Equal(t, 1, sender.callCount())
}

func TestQueue_RetryItemResetsAttempts(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{err: errors.New("boom")}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	failedAt := clock.Now()
	msg := "boom"
	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "attendance_batch", Attempts: DefaultMaxAttempts, LastAttemptAt: &failedAt, LastError: &msg}))

	sender.setErr(nil)
	reset, err := q.RetryItem(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, reset.Attempts)
	assert.Nil(t, reset.LastAttemptAt)
	q.Wait()

	_, err = store.GetItem(ctx, "a")
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = q.RetryItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestQueue_DrainThenAbandonSession(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{err: errors.New("offline")}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	lastTry := clock.Now()
	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event", SessionID: "s1", Attempts: 1, LastAttemptAt: &lastTry}))
	require.NoError(t, store.InsertItem(ctx, Item{ID: "b", Kind: "leave_event", SessionID: "s1", Attempts: 1, LastAttemptAt: &lastTry}))
	require.NoError(t, store.InsertItem(ctx, Item{ID: "c", Kind: "join_event", SessionID: "s2"}))

	assert.True(t, q.Drain(ctx, time.Second))
	assert.Equal(t, 3, sender.callCount(), "the final pass ignores backoff")

	flagged, err := q.AbandonSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Total: 3, Retrying: 1, Abandoned: 2}, status)

	clock.Advance(time.Hour)
	_, err = q.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sender.callCount(), "abandoned items are not attempted")

	again, err := q.AbandonSession(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestQueue_DrainStopsWaitingAfterGrace(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{gate: make(chan struct{})}
	q, store := newTestQueue(t, sender, clock)
	ctx := context.Background()

	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event", SessionID: "s1"}))

	start := time.Now()
	assert.False(t, q.Drain(ctx, 20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	close(sender.gate)
}

func TestQueue_Remove(t *testing.T) {
	q, store := newTestQueue(t, &scriptedSender{}, newFakeClock())
	ctx := context.Background()

	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event"}))
	require.NoError(t, q.Remove(ctx, "a"))
	assert.ErrorIs(t, q.Remove(ctx, "a"), ErrItemNotFound)
}

func TestDispatcher_Publish(t *testing.T) {
	clock := newFakeClock()
	sender := &scriptedSender{}
	q, store := newTestQueue(t, sender, clock)
	d := NewDispatcher(q, nil)
	ctx := context.Background()

	fact := application.Fact{Kind: application.FactJoin, SessionID: "s1", SessionExternalID: "ext-1", Payload: json.RawMessage(`{}`)}
	d.Publish(ctx, fact)
	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "delivered facts are not queued")

	sender.setErr(errors.New("timeout"))
	d.Publish(ctx, fact)
	q.Wait()

	items, err = store.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "join_event", items[0].Kind)
	assert.Equal(t, "ext-1", items[0].SessionExternalID)
	assert.Equal(t, 1, items[0].Attempts, "the immediate attempt counts")
	require.NotNil(t, items[0].LastError)
	assert.Equal(t, "timeout", *items[0].LastError)
}

// cancelAwareStore fails inserts on a cancelled context, as database/sql does.
type cancelAwareStore struct {
	*MemoryStore
}

func (s cancelAwareStore) InsertItem(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.InsertItem(ctx, item)
}

func TestDispatcher_PublishQueuesAfterCallerCancels(t *testing.T) {
	clock := newFakeClock()
	store := cancelAwareStore{MemoryStore: NewMemoryStore()}
	q := New(store, &scriptedSender{err: errors.New("offline")}, Options{Now: clock.Now})
	t.Cleanup(q.Wait)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewDispatcher(q, nil).Publish(ctx, application.Fact{Kind: application.FactAttendanceBatch, SessionID: "s1", Payload: json.RawMessage(`[]`)})
	q.Wait()

	items, err := store.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "attendance_batch", items[0].Kind)
	assert.Equal(t, 1, items[0].Attempts)
}

// gatedStore parks the first attempt write until release is closed and
// reports the next listing made while it is parked.
type gatedStore struct {
	*MemoryStore
	once    sync.Once
	parked  chan struct{}
	release chan struct{}
	listed  chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		parked:      make(chan struct{}),
		release:     make(chan struct{}),
		listed:      make(chan struct{}, 1),
	}
}

func (s *gatedStore) UpdateItem(ctx context.Context, item Item) error {
	if item.Attempts == 1 && item.LastError == nil && item.AbandonedAt == nil {
		s.once.Do(func() {
			close(s.parked)
			<-s.release
		})
	}
	return s.MemoryStore.UpdateItem(ctx, item)
}

func (s *gatedStore) ListItems(ctx context.Context) ([]Item, error) {
	select {
	case <-s.parked:
		select {
		case s.listed <- struct{}{}:
		default:
		}
	default:
	}
	return s.MemoryStore.ListItems(ctx)
}

func TestQueue_AbandonDuringAttemptIsKept(t *testing.T) {
	clock := newFakeClock()
	store := newGatedStore()
	sender := &scriptedSender{err: errors.New("offline")}
	q := New(store, sender, Options{Now: clock.Now})
	t.Cleanup(q.Wait)
	ctx := context.Background()

	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event", SessionID: "s1"}))

	passDone := make(chan struct{})
	go func() {
		defer close(passDone)
		_, _ = q.ProcessQueue(ctx)
	}()
	<-store.parked

	flagged := make(chan int, 1)
	go func() {
		n, err := q.AbandonSession(ctx, "s1")
		assert.NoError(t, err)
		flagged <- n
	}()
	<-store.listed
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	<-passDone
	assert.Equal(t, 1, <-flagged)

	item, err := store.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts, "the attempt is counted exactly once")
	assert.NotNil(t, item.AbandonedAt, "the abandon flag survives the attempt")
	require.NotNil(t, item.LastError)
	assert.Equal(t, "offline", *item.LastError)
	assert.Equal(t, 1, sender.callCount())
}

func TestScheduler_RunsPeriodicPasses(t *testing.T) {
	sender := &scriptedSender{}
	q, store := newTestQueue(t, sender, newFakeClock())
	ctx := context.Background()
	require.NoError(t, store.InsertItem(ctx, Item{ID: "a", Kind: "join_event"}))

	s, err := NewScheduler(q, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		items, _ := store.ListItems(ctx)
		return len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type countingObserver struct {
	deliveries atomic.Int64
	enqueued   atomic.Int64
	abandoned  atomic.Int64
	failed     atomic.Int64
}

func (o *countingObserver) ObserveDelivery(string) { o.deliveries.Add(1) }
func (o *countingObserver) ObserveEnqueue()        { o.enqueued.Add(1) }
func (o *countingObserver) ObserveAbandoned(n int) { o.abandoned.Add(int64(n)) }
func (o *countingObserver) SetQueueDepth(_, _, failed, _ int) {
	o.failed.Store(int64(failed))
}

func TestQueue_ReportsToObserver(t *testing.T) {
	clock := newFakeClock()
	observer := &countingObserver{}
	store := NewMemoryStore()
	q := New(store, &scriptedSender{err: errors.New("down")}, Options{
		Now:      clock.Now,
		Observer: observer,
		Config:   Config{MaxAttempts: 1},
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Item{Kind: "join_event", SessionID: "s1"})
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, int64(1), observer.enqueued.Load())
	assert.Equal(t, int64(1), observer.deliveries.Load())
	assert.Equal(t, int64(1), observer.failed.Load())

	_, err = q.AbandonSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), observer.abandoned.Load())
}

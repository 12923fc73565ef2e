package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveEvent(eventType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[eventType+"/"+outcome]++
}

type fakeNow struct {
	mu      sync.Mutex
	current time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.mu.Unlock()
}

func newFakeNow() *fakeNow {
	return &fakeNow{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestDeduplicator_ImmediateForwardsOncePerWindow(t *testing.T) {
	clock := newFakeNow()
	handler := &recordingHandler{}
	observer := &countingObserver{}
	d := NewDeduplicator(handler, Options{Now: clock.Now, Observer: observer})
	ctx := context.Background()

	join := Event{Type: EventJoin, ParticipantName: "Alice Smith"}
	assert.True(t, d.Submit(ctx, join))
	assert.False(t, d.Submit(ctx, join))
	assert.False(t, d.Submit(ctx, Event{Type: EventJoin, ParticipantName: "smith  ALICE"}))

	require.Len(t, handler.snapshot(), 1)
	assert.Equal(t, 1, observer.counts["join/forwarded"])
	assert.Equal(t, 2, observer.counts["join/duplicate"])

	clock.Advance(DefaultWindow)
	assert.True(t, d.Submit(ctx, join), "a repeat outside the window is forwarded again")
	assert.Len(t, handler.snapshot(), 2)
}

func TestDeduplicator_JoinAndLeaveHaveDistinctKeys(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDeduplicator(handler, Options{Now: newFakeNow().Now})
	ctx := context.Background()

	assert.True(t, d.Submit(ctx, Event{Type: EventJoin, ParticipantName: "Bob"}))
	assert.True(t, d.Submit(ctx, Event{Type: EventLeave, ParticipantName: "Bob"}))
	assert.True(t, d.Submit(ctx, Event{Type: EventJoin, ParticipantName: "Carol"}))

	events := handler.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, EventLeave, events[1].Type)
}

func TestDeduplicator_DropsMalformed(t *testing.T) {
	handler := &recordingHandler{}
	observer := &countingObserver{}
	d := NewDeduplicator(handler, Options{Observer: observer})

	assert.False(t, d.Submit(context.Background(), Event{Type: EventJoin, ParticipantName: "   "}))
	assert.Empty(t, handler.snapshot())
	assert.Equal(t, 1, observer.counts["join/malformed"])
}

func TestDeduplicator_BatchesUntilFull(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDeduplicator(handler, Options{
		Now:          newFakeNow().Now,
		BatchDelay:   time.Hour,
		MaxBatchSize: 3,
	})
	ctx := context.Background()

	for i, emoji := range []string{"👍", "🎉"} {
		require.True(t, d.Submit(ctx, Event{Type: EventReaction, ParticipantName: "Dana", Data: map[string]string{"emoji": emoji}}), "event %d", i)
	}
	assert.Empty(t, handler.snapshot())
	assert.Equal(t, 2, d.Pending())

	require.True(t, d.Submit(ctx, Event{Type: EventChat, ParticipantName: "Dana", Data: map[string]string{"message": "hi"}}))

	events := handler.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "👍", events[0].Data["emoji"])
	assert.Equal(t, "🎉", events[1].Data["emoji"])
	assert.Equal(t, EventChat, events[2].Type)
	assert.Zero(t, d.Pending())
}

func TestDeduplicator_BatchedDuplicatesUseTypeSpecificFields(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDeduplicator(handler, Options{Now: newFakeNow().Now, BatchDelay: time.Hour})
	ctx := context.Background()

	thumbs := Event{Type: EventReaction, ParticipantName: "Eve", Data: map[string]string{"emoji": "👍"}}
	assert.True(t, d.Submit(ctx, thumbs))
	assert.False(t, d.Submit(ctx, thumbs))
	assert.True(t, d.Submit(ctx, Event{Type: EventReaction, ParticipantName: "Eve", Data: map[string]string{"emoji": "❤️"}}))

	assert.Equal(t, 2, d.Flush())
	assert.Len(t, handler.snapshot(), 2)
}

func TestDeduplicator_FlushesAfterDelay(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDeduplicator(handler, Options{BatchDelay: 10 * time.Millisecond})

	require.True(t, d.Submit(context.Background(), Event{Type: EventHandRaise, ParticipantName: "Frank", Data: map[string]string{"state": "up"}}))

	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Pending())
}

func TestDeduplicator_CloseFlushesAndStopsBatching(t *testing.T) {
	handler := &recordingHandler{}
	d := NewDeduplicator(handler, Options{Now: newFakeNow().Now, BatchDelay: time.Hour})
	ctx := context.Background()

	require.True(t, d.Submit(ctx, Event{Type: EventMicToggle, ParticipantName: "Gina", Data: map[string]string{"state": "on"}}))
	d.Close()
	require.Len(t, handler.snapshot(), 1)

	require.True(t, d.Submit(ctx, Event{Type: EventMicToggle, ParticipantName: "Gina", Data: map[string]string{"state": "off"}}))
	assert.Len(t, handler.snapshot(), 2)
	assert.Zero(t, d.Pending())
}

func TestWindowCache_PrunesExpiredKeysPastBound(t *testing.T) {
	clock := newFakeNow()
	cache := NewWindowCache(time.Second, 2, clock.Now)

	assert.False(t, cache.Observe("a"))
	assert.False(t, cache.Observe("b"))
	clock.Advance(2 * time.Second)

	assert.False(t, cache.Observe("c"))
	assert.Equal(t, 1, cache.Len(), "expired keys are dropped once the bound is exceeded")
	assert.True(t, cache.Observe("c"))
}

func TestWindowCache_KeepsFreshKeysWhenPruning(t *testing.T) {
	clock := newFakeNow()
	cache := NewWindowCache(time.Minute, 1, clock.Now)

	assert.False(t, cache.Observe("a"))
	assert.False(t, cache.Observe("b"))

	assert.Equal(t, 2, cache.Len())
	assert.True(t, cache.Observe("a"))
}

func TestKey(t *testing.T) {
	base := Event{Type: EventChat, ParticipantName: "Hank Hill", Data: map[string]string{"message": "hello"}}

	assert.Equal(t, Key(base), Key(Event{Type: EventChat, ParticipantName: "hill hank", Data: map[string]string{"message": "hello"}}))
	assert.NotEqual(t, Key(base), Key(Event{Type: EventChat, ParticipantName: "Hank Hill", Data: map[string]string{"message": "bye"}}))
	assert.NotEqual(t, Key(base), Key(Event{Type: EventReaction, ParticipantName: "Hank Hill"}))
	assert.Len(t, Key(base), 64)
}

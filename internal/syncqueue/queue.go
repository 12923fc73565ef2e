package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts   = 5
	DefaultInitialDelay  = time.Second
	DefaultBackoffFactor = 2.0
	DefaultMaxDelay      = 60 * time.Second
	DefaultTickInterval  = 5 * time.Minute
	DefaultDrainGrace    = 1500 * time.Millisecond
)

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	TickInterval  time.Duration
	DrainGrace    time.Duration
}

// DefaultConfig returns the stock retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   DefaultMaxAttempts,
		InitialDelay:  DefaultInitialDelay,
		BackoffFactor: DefaultBackoffFactor,
		MaxDelay:      DefaultMaxDelay,
		TickInterval:  DefaultTickInterval,
		DrainGrace:    DefaultDrainGrace,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = d.DrainGrace
	}
	return c
}

// Backoff returns the wait required after an item has been attempted
// attempts times: min(InitialDelay * BackoffFactor^attempts, MaxDelay).
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempts))
	if delay >= float64(c.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Options configures a Queue.
type Options struct {
	Config      Config
	Now         func() time.Time
	IDGenerator func() string
	Logger      *slog.Logger
	Observer    Observer
}

// Queue retries queued remote writes. At most one processing pass runs at a time.
type Queue struct {
	store       Store
	sender      Sender
	cfg         Config
	now         func() time.Time
	idGenerator func() string
	logger      *slog.Logger
	observer    Observer

	mu      sync.Mutex
	running chan struct{}
	wg      sync.WaitGroup

	// itemMu serialises read-modify-write cycles on stored items.
	itemMu sync.Mutex
}

// New builds a queue over store that delivers through sender.
func New(store Store, sender Sender, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDGenerator == nil {
		var n int
		var mu sync.Mutex
		opts.IDGenerator = func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("item-%d", n)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		store:       store,
		sender:      sender,
		cfg:         opts.Config.withDefaults(),
		now:         opts.Now,
		idGenerator: opts.IDGenerator,
		logger:      opts.Logger.With("component", "syncqueue"),
		observer:    opts.Observer,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue stores a new item and schedules a processing pass.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = q.idGenerator()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now().UTC()
	}
	if err := q.store.InsertItem(ctx, item); err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", item.Kind, err)
	}
	if q.observer != nil {
		q.observer.ObserveEnqueue()
	}
	q.logger.InfoContext(ctx, "item enqueued", "item_id", item.ID, "kind", item.Kind, "attempts", item.Attempts)
	q.Trigger(ctx)
	return item, nil
}

// EnqueuePayload marshals payload and enqueues it under kind.
func (q *Queue) EnqueuePayload(ctx context.Context, kind, sessionID, externalID string, payload any) (Item, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return q.Enqueue(ctx, Item{Kind: kind, SessionID: sessionID, SessionExternalID: externalID, Payload: raw})
}

// acquire marks a pass as running. When one is already running it returns
// that pass's done channel and false.
func (q *Queue) acquire() (chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != nil {
		return q.running, false
	}
	q.running = make(chan struct{})
	return q.running, true
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != nil {
		close(q.running)
		q.running = nil
	}
}

// Trigger starts a pass in the background and returns a channel closed when
// the pass (or the pass already in flight) finishes.
func (q *Queue) Trigger(ctx context.Context) <-chan struct{} {
	return q.start(ctx, false)
}

func (q *Queue) start(ctx context.Context, force bool) <-chan struct{} {
	done, ok := q.acquire()
	if !ok {
		return done
	}
	ctx = context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.release()
		if _, err := q.pass(ctx, force); err != nil {
			q.logger.ErrorContext(ctx, "queue pass failed", "error", err)
		}
	}()
	return done
}

// Wait blocks until every background pass started by Trigger has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// ProcessQueue runs one pass synchronously. A call made while another pass
// is running returns immediately with Skipped set.
func (q *Queue) ProcessQueue(ctx context.Context) (PassResult, error) {
	if _, ok := q.acquire(); !ok {
		return PassResult{Skipped: true}, nil
	}
	defer q.release()
	return q.pass(ctx, false)
}

// pass attempts every eligible item once. force skips the backoff wait.
func (q *Queue) pass(ctx context.Context, force bool) (PassResult, error) {
	var res PassResult
	items, err := q.store.ListItems(ctx)
	if err != nil {
		return res, fmt.Errorf("list queue items: %w", err)
	}

	for _, listed := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var deferred bool
		item, ok, err := q.modify(ctx, listed.ID, func(item *Item) bool {
			if item.AbandonedAt != nil || item.Attempts >= q.cfg.MaxAttempts {
				return false
			}
			now := q.now().UTC()
			if !force && item.LastAttemptAt != nil && now.Sub(*item.LastAttemptAt) < q.cfg.Backoff(item.Attempts) {
				deferred = true
				return false
			}
			item.Attempts++
			item.LastAttemptAt = &now
			return true
		})
		if err != nil {
			if !errors.Is(err, ErrItemNotFound) {
				q.logger.ErrorContext(ctx, "failed to record attempt", "item_id", listed.ID, "error", err)
			}
			continue
		}
		if deferred {
			res.Deferred++
		}
		if !ok {
			continue
		}

		logger := q.logger.With("item_id", item.ID, "kind", item.Kind, "attempt", item.Attempts)
		if sendErr := q.sender.Send(ctx, item); sendErr != nil {
			res.Failed++
			q.observeDelivery("failure")
			if err := q.recordFailure(ctx, item, sendErr); err != nil && !errors.Is(err, ErrItemNotFound) {
				logger.ErrorContext(ctx, "failed to record delivery error", "error", err)
			}
			// Every failure is retried alike; the hint only helps operators.
			var hint interface{ Temporary() bool }
			if errors.As(sendErr, &hint) {
				logger = logger.With("temporary", hint.Temporary())
			}
			if item.Attempts >= q.cfg.MaxAttempts {
				logger.WarnContext(ctx, "delivery attempts exhausted", "error", sendErr)
			} else {
				logger.InfoContext(ctx, "delivery failed", "error", sendErr, "retry_in", q.cfg.Backoff(item.Attempts))
			}
			continue
		}

		res.Delivered++
		q.observeDelivery("success")
		if err := q.store.DeleteItem(ctx, item.ID); err != nil && !errors.Is(err, ErrItemNotFound) {
			logger.ErrorContext(ctx, "failed to delete delivered item", "error", err)
			continue
		}
		logger.InfoContext(ctx, "item delivered")
	}

	q.publishDepth(ctx)
	return res, nil
}

// modify applies fn to the stored copy of item id and writes it back when fn
// returns true. Every update of an existing item goes through here so
// concurrent passes, retries and abandons never overwrite each other.
func (q *Queue) modify(ctx context.Context, id string, fn func(item *Item) bool) (Item, bool, error) {
	q.itemMu.Lock()
	defer q.itemMu.Unlock()
	item, err := q.store.GetItem(ctx, id)
	if err != nil {
		return Item{}, false, err
	}
	if !fn(&item) {
		return item, false, nil
	}
	if err := q.store.UpdateItem(ctx, item); err != nil {
		return Item{}, false, err
	}
	return item, true, nil
}

// recordFailure stores the delivery error on the latest copy of the item so
// flags set while the send was in flight survive.
func (q *Queue) recordFailure(ctx context.Context, attempted Item, sendErr error) error {
	msg := sendErr.Error()
	_, _, err := q.modify(ctx, attempted.ID, func(item *Item) bool {
		item.LastError = &msg
		return true
	})
	return err
}

// Drain runs a final pass that ignores backoff and waits for it up to grace.
// When a pass is already running Drain waits for that one instead. It
// reports whether the pass finished in time.
func (q *Queue) Drain(ctx context.Context, grace time.Duration) bool {
	if grace <= 0 {
		grace = q.cfg.DrainGrace
	}
	done := q.start(ctx, true)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		q.logger.WarnContext(ctx, "drain grace elapsed with a pass still running", "grace", grace)
		return false
	case <-ctx.Done():
		return false
	}
}

// RetryItem resets an item's attempt history and schedules a pass.
func (q *Queue) RetryItem(ctx context.Context, id string) (Item, error) {
	item, _, err := q.modify(ctx, id, func(item *Item) bool {
		item.Attempts = 0
		item.LastAttemptAt = nil
		item.AbandonedAt = nil
		return true
	})
	if err != nil {
		return Item{}, err
	}
	q.logger.InfoContext(ctx, "item reset for retry", "item_id", id)
	q.Trigger(ctx)
	return item, nil
}

// Remove deletes an item without delivering it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "item removed", "item_id", id)
	q.publishDepth(ctx)
	return nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	return q.store.GetItem(ctx, id)
}

// List returns every item oldest first.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	return q.store.ListItems(ctx)
}

// Status counts items by state.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	items, err := q.store.ListItems(ctx)
	if err != nil {
		return Status{}, err
	}
	return q.summarise(items), nil
}

func (q *Queue) summarise(items []Item) Status {
	var st Status
	st.Total = len(items)
	for _, item := range items {
		switch item.State(q.cfg.MaxAttempts) {
		case StateAbandoned:
			st.Abandoned++
		case StateFailed:
			st.Failed++
		case StatePending:
			st.Pending++
		default:
			st.Retrying++
		}
	}
	return st
}

// AbandonSession flags the session's remaining items as abandoned. They stay
// in the store for inspection and can be revived with RetryItem.
func (q *Queue) AbandonSession(ctx context.Context, sessionID string) (int, error) {
	items, err := q.store.ListItems(ctx)
	if err != nil {
		return 0, err
	}
	now := q.now().UTC()
	var flagged int
	for _, listed := range items {
		if listed.SessionID != sessionID {
			continue
		}
		_, ok, err := q.modify(ctx, listed.ID, func(item *Item) bool {
			if item.AbandonedAt != nil {
				return false
			}
			at := now
			item.AbandonedAt = &at
			return true
		})
		if err != nil {
			if errors.Is(err, ErrItemNotFound) {
				continue
			}
			return flagged, err
		}
		if ok {
			flagged++
		}
	}
	if flagged > 0 {
		q.logger.WarnContext(ctx, "undelivered items abandoned at session end", "session_id", sessionID, "count", flagged)
		if q.observer != nil {
			q.observer.ObserveAbandoned(flagged)
		}
	}
	q.publishDepth(ctx)
	return flagged, nil
}

func (q *Queue) observeDelivery(result string) {
	if q.observer != nil {
		q.observer.ObserveDelivery(result)
	}
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.observer == nil {
		return
	}
	items, err := q.store.ListItems(ctx)
	if err != nil {
		return
	}
	st := q.summarise(items)
	q.observer.SetQueueDepth(st.Pending, st.Retrying, st.Failed, st.Abandoned)
}

package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultWindow       = 5 * time.Second
	DefaultMaxKeys      = 200
	DefaultBatchDelay   = 500 * time.Millisecond
	DefaultMaxBatchSize = 50
)

// Options configures a Deduplicator. Zero values select the defaults.
type Options struct {
	Window       time.Duration
	MaxKeys      int
	BatchDelay   time.Duration
	MaxBatchSize int
	Now          func() time.Time
	Logger       *slog.Logger
	Observer     Observer
}

// Deduplicator suppresses repeated signals and batches non-critical ones
// before handing them to the next stage.
type Deduplicator struct {
	handler  Handler
	seen     *WindowCache
	delay    time.Duration
	maxBatch int
	logger   *slog.Logger
	observer Observer

	// flushMu serialises batch forwarding so batches reach the handler in
	// enqueue order.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending []pendingEvent
	timer   *time.Timer
	closed  bool
}

type pendingEvent struct {
	ctx context.Context
	ev  Event
}

// NewDeduplicator wires a deduplicator in front of handler.
func NewDeduplicator(handler Handler, opts Options) *Deduplicator {
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		handler:  handler,
		seen:     NewWindowCache(opts.Window, opts.MaxKeys, opts.Now),
		delay:    opts.BatchDelay,
		maxBatch: opts.MaxBatchSize,
		logger:   logger.With("component", "Deduplicator"),
		observer: opts.Observer,
	}
}

// Submit deduplicates ev and either forwards it right away (join/leave) or
// queues it for the next batch flush. It reports whether the event was kept.
// Events without a participant name and duplicates are dropped silently.
func (d *Deduplicator) Submit(ctx context.Context, ev Event) bool {
	if ev.Name() == "" {
		d.observe(ev.Type, OutcomeMalformed)
		return false
	}

	if d.seen.Observe(Key(ev)) {
		d.observe(ev.Type, OutcomeDuplicate)
		d.logger.DebugContext(ctx, "duplicate event suppressed", "event_type", ev.Type, "participant", ev.Name())
		return false
	}

	if ev.Type.Immediate() {
		d.observe(ev.Type, OutcomeForwarded)
		d.handler.HandleEvent(ctx, ev)
		return true
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.observe(ev.Type, OutcomeForwarded)
		d.handler.HandleEvent(ctx, ev)
		return true
	}
	d.pending = append(d.pending, pendingEvent{ctx: context.WithoutCancel(ctx), ev: ev})
	full := len(d.pending) >= d.maxBatch
	if !full && len(d.pending) == 1 {
		d.timer = time.AfterFunc(d.delay, func() { d.Flush() })
	}
	d.mu.Unlock()

	d.observe(ev.Type, OutcomeQueued)
	if full {
		d.Flush()
	}
	return true
}

// Flush forwards every queued event, in enqueue order, and returns how many
// were forwarded.
func (d *Deduplicator) Flush() int {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	for _, item := range batch {
		d.handler.HandleEvent(item.ctx, item.ev)
	}
	return len(batch)
}

// Pending returns the number of queued, unflushed events.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close flushes anything queued. Events submitted afterwards are forwarded
// without batching.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}

func (d *Deduplicator) observe(eventType EventType, outcome string) {
	if d.observer != nil {
		d.observer.ObserveEvent(string(eventType), outcome)
	}
}

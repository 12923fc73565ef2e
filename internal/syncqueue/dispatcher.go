package syncqueue

import (
	"context"
	"log/slog"

	"github.com/example/attendance-tracker/internal/application"
)

// Dispatcher publishes state machine facts. Each fact is sent once
// immediately and queued for retry when that attempt fails.
type Dispatcher struct {
	queue  *Queue
	sender Sender
	logger *slog.Logger
}

// NewDispatcher returns a dispatcher that sends through the queue's sender.
func NewDispatcher(queue *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, sender: queue.sender, logger: logger.With("component", "dispatcher")}
}

// Publish implements application.FactPublisher.
func (d *Dispatcher) Publish(ctx context.Context, fact application.Fact) {
	item := Item{
		Kind:              string(fact.Kind),
		SessionID:         fact.SessionID,
		SessionExternalID: fact.SessionExternalID,
		Payload:           fact.Payload,
	}

	err := d.sender.Send(ctx, item)
	if err == nil {
		d.queue.observeDelivery("success")
		return
	}
	d.queue.observeDelivery("failure")

	now := d.queue.now().UTC()
	msg := err.Error()
	item.Attempts = 1
	item.LastAttemptAt = &now
	item.LastError = &msg
	// The caller may already be gone; the fact must still reach the store.
	queued, qerr := d.queue.Enqueue(context.WithoutCancel(ctx), item)
	if qerr != nil {
		d.logger.ErrorContext(ctx, "failed to queue undelivered fact", "kind", item.Kind, "session_id", item.SessionID, "error", qerr, "delivery_error", err)
		return
	}
	d.logger.WarnContext(ctx, "fact queued for retry", "kind", item.Kind, "item_id", queued.ID, "error", err)
}

var _ application.FactPublisher = (*Dispatcher)(nil)

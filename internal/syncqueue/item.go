// Package syncqueue holds remote writes that could not be delivered and
// retries them with exponential backoff until they succeed or run out of
// attempts.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrItemNotFound is returned by stores when no item has the requested id.
var ErrItemNotFound = errors.New("syncqueue: item not found")

// State classifies an item for status reporting.
type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Item is one queued remote write.
type Item struct {
	ID                string
	Kind              string
	SessionID         string
	SessionExternalID string
	Payload           json.RawMessage
	Attempts          int
	LastAttemptAt     *time.Time
	LastError         *string
	CreatedAt         time.Time
	AbandonedAt       *time.Time
}

// State reports the item's state given the configured attempt limit.
func (i Item) State(maxAttempts int) State {
	switch {
	case i.AbandonedAt != nil:
		return StateAbandoned
	case i.Attempts >= maxAttempts:
		return StateFailed
	case i.Attempts == 0:
		return StatePending
	default:
		return StateRetrying
	}
}

// Store persists queue items. ListItems returns items oldest first.
type Store interface {
	InsertItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, item Item) error
	DeleteItem(ctx context.Context, id string) error
	GetItem(ctx context.Context, id string) (Item, error)
	ListItems(ctx context.Context) ([]Item, error)
}

// Sender delivers one item to the remote service.
type Sender interface {
	Send(ctx context.Context, item Item) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, item Item) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// Observer receives delivery outcomes and queue depth for instrumentation.
type Observer interface {
	ObserveDelivery(result string)
	ObserveEnqueue()
	ObserveAbandoned(n int)
	SetQueueDepth(pending, retrying, failed, abandoned int)
}

// Status summarises the queue contents.
type Status struct {
	Total     int
	Pending   int
	Retrying  int
	Failed    int
	Abandoned int
}

// PassResult reports what one processing pass did.
type PassResult struct {
	Skipped   bool
	Delivered int
	Failed    int
	Deferred  int
}

func cloneItem(item Item) Item {
	out := item
	out.Payload = append(json.RawMessage(nil), item.Payload...)
	if item.LastAttemptAt != nil {
		t := *item.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if item.LastError != nil {
		e := *item.LastError
		out.LastError = &e
	}
	if item.AbandonedAt != nil {
		t := *item.AbandonedAt
		out.AbandonedAt = &t
	}
	return out
}

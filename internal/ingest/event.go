// Package ingest turns bursty, duplicate-prone presence signals into a clean
// event stream.
//
// Join and leave signals are time sensitive and are forwarded as soon as they
// pass the duplicate check. Everything else (chat, reactions, toggles) is
// deduplicated the same way and then batched, flushing either when the batch
// is full or after a short delay. Duplicates are only suppressed inside the
// dedup window: a repeat that arrives after the window is forwarded again,
// which keeps memory bounded during reconnect storms.
package ingest

import (
	"context"
	"strings"
	"time"
)

// EventType identifies the kind of raw signal emitted by the meeting UI.
type EventType string

const (
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventChat         EventType = "chat"
	EventReaction     EventType = "reaction"
	EventHandRaise    EventType = "hand_raise"
	EventCameraToggle EventType = "camera_toggle"
	EventMicToggle    EventType = "mic_toggle"
	EventScreenShare  EventType = "screen_share"
)

// Immediate reports whether events of this type bypass batching.
func (t EventType) Immediate() bool {
	return t == EventJoin || t == EventLeave
}

// Event is one raw presence signal.
type Event struct {
	Type             EventType
	ParticipantName  string
	ParticipantID    string
	Timestamp        time.Time
	SessionContextID string
	Data             map[string]string
}

// Name returns the trimmed participant name.
func (e Event) Name() string {
	return strings.TrimSpace(e.ParticipantName)
}

// Handler receives events that survived deduplication.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// HandleEvent calls f(ctx, ev).
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Observer receives one call per submitted event with its outcome.
type Observer interface {
	ObserveEvent(eventType, outcome string)
}

const (
	OutcomeForwarded = "forwarded"
	OutcomeQueued    = "queued"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
)

package persistence

import "context"

// SessionRepository stores meeting sessions. Sessions are never deleted.
type SessionRepository interface {
	UpsertSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// GetActiveSession returns the most recently started session with status
	// ACTIVE, or ErrNotFound.
	GetActiveSession(ctx context.Context) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
}

// ParticipantRepository stores participants.
type ParticipantRepository interface {
	UpsertParticipant(ctx context.Context, participant Participant) error
	// ListParticipants returns the participants of a session in arrival order.
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
}

// IntervalRepository stores attendance intervals.
type IntervalRepository interface {
	UpsertInterval(ctx context.Context, interval Interval) error
	ListIntervals(ctx context.Context, sessionID string) ([]Interval, error)
	// ListOpenIntervals returns intervals without a close time across all sessions.
	ListOpenIntervals(ctx context.Context) ([]Interval, error)
}

// QueueRepository stores sync queue items.
type QueueRepository interface {
	InsertQueueItem(ctx context.Context, item QueueItem) error
	UpdateQueueItem(ctx context.Context, item QueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	GetQueueItem(ctx context.Context, id string) (QueueItem, error)
	// ListQueueItems returns every item, oldest first.
	ListQueueItems(ctx context.Context) ([]QueueItem, error)
}

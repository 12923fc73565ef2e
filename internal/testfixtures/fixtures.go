package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/attendance-tracker/internal/persistence"
)

var (
	sessionCounter     uint64
	participantCounter uint64
	intervalCounter    uint64
	queueItemCounter   uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ----------------------------- Session fixtures -----------------------------

// SessionOption configures a generated session.
type SessionOption func(*persistence.Session)

// NewSession returns an ACTIVE session started at ReferenceTime.
func NewSession(opts ...SessionOption) persistence.Session {
	idx := atomic.AddUint64(&sessionCounter, 1)
	session := persistence.Session{
		ID:         fmt.Sprintf("session-%03d", idx),
		ExternalID: fmt.Sprintf("remote-%03d", idx),
		SubjectID:  "math-101",
		Status:     "ACTIVE",
		StartedAt:  referenceTime,
	}
	for _, opt := range opts {
		opt(&session)
	}
	return session
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) SessionOption {
	return func(s *persistence.Session) {
		s.ID = id
	}
}

// WithSessionStartedAt overrides the start time.
func WithSessionStartedAt(t time.Time) SessionOption {
	return func(s *persistence.Session) {
		s.StartedAt = t
	}
}

// WithSessionEnded marks the session ENDED at t.
func WithSessionEnded(t time.Time) SessionOption {
	return func(s *persistence.Session) {
		s.Status = "ENDED"
		s.EndedAt = &t
	}
}

// --------------------------- Participant fixtures ---------------------------

// ParticipantOption configures a generated participant.
type ParticipantOption func(*persistence.Participant)

// NewParticipant returns an unmatched, present participant of sessionID.
func NewParticipant(sessionID string, opts ...ParticipantOption) persistence.Participant {
	idx := atomic.AddUint64(&participantCounter, 1)
	seen := referenceTime.Add(time.Duration(idx) * time.Second)
	participant := persistence.Participant{
		ID:             fmt.Sprintf("participant-%03d", idx),
		SessionID:      sessionID,
		ParticipantKey: fmt.Sprintf("participant %03d", idx),
		ObservedName:   fmt.Sprintf("Participant %03d", idx),
		MatchMethod:    "none",
		FirstSeenAt:    seen,
		LastSignalAt:   seen,
		Participation:  map[string]int{},
	}
	for _, opt := range opts {
		opt(&participant)
	}
	return participant
}

// WithParticipantName sets the observed name and its key.
func WithParticipantName(name, key string) ParticipantOption {
	return func(p *persistence.Participant) {
		p.ObservedName = name
		p.ParticipantKey = key
	}
}

// WithParticipantMatch records an identity match.
func WithParticipantMatch(identityID, method string, confidence float64) ParticipantOption {
	return func(p *persistence.Participant) {
		p.MatchedIdentityID = &identityID
		p.MatchMethod = method
		p.MatchConfidence = confidence
	}
}

// WithParticipantFirstSeen overrides the arrival time.
func WithParticipantFirstSeen(t time.Time) ParticipantOption {
	return func(p *persistence.Participant) {
		p.FirstSeenAt = t
		p.LastSignalAt = t
	}
}

// ----------------------------- Interval fixtures ----------------------------

// NewInterval returns an open interval for key in sessionID.
func NewInterval(sessionID, key string, openedAt time.Time) persistence.Interval {
	idx := atomic.AddUint64(&intervalCounter, 1)
	return persistence.Interval{
		ID:             fmt.Sprintf("interval-%03d", idx),
		SessionID:      sessionID,
		ParticipantKey: key,
		OpenedAt:       openedAt,
	}
}

// ---------------------------- Queue item fixtures ---------------------------

// QueueItemOption configures a generated queue item.
type QueueItemOption func(*persistence.QueueItem)

// NewQueueItem returns a fresh join_event item.
func NewQueueItem(opts ...QueueItemOption) persistence.QueueItem {
	idx := atomic.AddUint64(&queueItemCounter, 1)
	item := persistence.QueueItem{
		ID:                fmt.Sprintf("item-%03d", idx),
		Kind:              "join_event",
		SessionID:         "session-001",
		SessionExternalID: "remote-001",
		Payload:           []byte(fmt.Sprintf(`{"seq":%d}`, idx)),
		CreatedAt:         referenceTime.Add(time.Duration(idx) * time.Millisecond),
	}
	for _, opt := range opts {
		opt(&item)
	}
	return item
}

// WithQueueItemID overrides the generated item ID.
func WithQueueItemID(id string) QueueItemOption {
	return func(item *persistence.QueueItem) {
		item.ID = id
	}
}

// WithQueueItemKind overrides the fact kind.
func WithQueueItemKind(kind string) QueueItemOption {
	return func(item *persistence.QueueItem) {
		item.Kind = kind
	}
}

// WithQueueItemCreatedAt overrides the creation time.
func WithQueueItemCreatedAt(t time.Time) QueueItemOption {
	return func(item *persistence.QueueItem) {
		item.CreatedAt = t
	}
}

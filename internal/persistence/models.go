package persistence

import "time"

// Session is a stored meeting session.
type Session struct {
	ID             string
	ExternalID     string
	SubjectID      string
	MeetingContext string
	Status         string
	StartedAt      time.Time
	EndedAt        *time.Time
}

// Participant is a stored participant of one session.
type Participant struct {
	ID                string
	SessionID         string
	ParticipantKey    string
	ObservedName      string
	LastTransientID   string
	MatchedIdentityID *string
	MatchConfidence   float64
	MatchMethod       string
	FirstSeenAt       time.Time
	// LastSeenAt is nil while the participant is present.
	LastSeenAt    *time.Time
	LastSignalAt  time.Time
	Participation map[string]int
}

// Interval is a stored attendance interval.
type Interval struct {
	ID                string
	SessionID         string
	ParticipantKey    string
	MatchedIdentityID *string
	OpenedAt          time.Time
	// ClosedAt is nil while the interval is open.
	ClosedAt *time.Time
}

// QueueItem is a stored undelivered fact.
type QueueItem struct {
	ID                string
	Kind              string
	SessionID         string
	SessionExternalID string
	Payload           []byte
	Attempts          int
	LastAttemptAt     *time.Time
	LastError         *string
	CreatedAt         time.Time
	AbandonedAt       *time.Time
}

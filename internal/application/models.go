package application

import (
	"encoding/json"
	"time"

	"github.com/example/attendance-tracker/internal/matching"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive marks the single session currently receiving presence signals.
	SessionActive SessionStatus = "ACTIVE"
	// SessionEnded marks a closed session. Ended sessions never reopen.
	SessionEnded SessionStatus = "ENDED"
)

// Session represents one tracked meeting.
type Session struct {
	ID             string
	ExternalID     string
	SubjectID      string
	MeetingContext string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         SessionStatus
}

// Participant is one distinct person observed in a session, keyed by normalized name.
type Participant struct {
	ID                string
	SessionID         string
	Key               string
	ObservedName      string
	LastTransientID   string
	MatchedIdentityID *string
	MatchConfidence   float64
	MatchMethod       matching.Method
	FirstSeenAt       time.Time
	// LastSeenAt is nil while the participant is present.
	LastSeenAt    *time.Time
	LastSignalAt  time.Time
	Participation map[string]int
}

// Matched reports whether the participant has been linked to a roster identity.
func (p Participant) Matched() bool {
	return p.MatchedIdentityID != nil && p.MatchMethod != matching.MethodNone
}

// AttendanceInterval is one continuous presence span of a participant.
type AttendanceInterval struct {
	ID                string
	SessionID         string
	ParticipantKey    string
	MatchedIdentityID *string
	OpenedAt          time.Time
	ClosedAt          *time.Time
}

// Open reports whether the interval has not been closed yet.
func (i AttendanceInterval) Open() bool {
	return i.ClosedAt == nil
}

// Duration returns the closed span, or zero while the interval is open.
func (i AttendanceInterval) Duration() time.Duration {
	if i.ClosedAt == nil {
		return 0
	}
	return i.ClosedAt.Sub(i.OpenedAt)
}

// RosterEntry is one expected attendee.
type RosterEntry struct {
	IdentityID  string
	DisplayName string
}

// StartSessionParams wraps the data required to start a session.
type StartSessionParams struct {
	SubjectID      string
	MeetingContext string
}

// Presence is a deduplicated signal routed to the state machine.
type Presence struct {
	Name             string
	TransientID      string
	SessionContextID string
	Kind             string
	At               time.Time
}

// PresenceResult reports what a join or leave did to local state.
type PresenceResult struct {
	Participant Participant
	Interval    *AttendanceInterval
	Changed     bool
}

// RemoteSession is the remote service's view of a freshly created session.
type RemoteSession struct {
	ExternalID string
	StartedAt  time.Time
}

// ParticipantSummary aggregates a participant's intervals for reporting.
type ParticipantSummary struct {
	ParticipantID     string
	ObservedName      string
	MatchedIdentityID *string
	MatchMethod       matching.Method
	MatchConfidence   float64
	Intervals         int
	TotalDuration     time.Duration
	Present           bool
	Participation     map[string]int
}

// FactKind names a remote write produced by the state machine.
type FactKind string

const (
	FactJoin               FactKind = "join_event"
	FactLeave              FactKind = "leave_event"
	FactAttendanceBatch    FactKind = "attendance_batch"
	FactParticipationBatch FactKind = "participation_batch"
)

// Fact is one remote write awaiting delivery.
type Fact struct {
	Kind              FactKind
	SessionID         string
	SessionExternalID string
	Payload           json.RawMessage
}

type presencePayload struct {
	SessionID       string     `json:"session_id"`
	ParticipantName string     `json:"participant_name"`
	ParticipantKey  string     `json:"participant_key"`
	TransientID     string     `json:"transient_id,omitempty"`
	IdentityID      *string    `json:"identity_id"`
	MatchMethod     string     `json:"match_method"`
	MatchConfidence float64    `json:"match_confidence"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

type intervalPayload struct {
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

type attendanceRecord struct {
	ParticipantName string            `json:"participant_name"`
	IdentityID      *string           `json:"identity_id"`
	MatchMethod     string            `json:"match_method"`
	MatchConfidence float64           `json:"match_confidence"`
	Intervals       []intervalPayload `json:"intervals"`
	TotalSeconds    int64             `json:"total_seconds"`
}

type attendanceBatchPayload struct {
	SessionID  string             `json:"session_id"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	Records    []attendanceRecord `json:"records"`
	Unmatched  int                `json:"unmatched"`
	Attendees  int                `json:"attendees"`
	SubjectID  string             `json:"subject_id"`
	ExternalID string             `json:"external_id,omitempty"`
}

type participationRecord struct {
	ParticipantName string         `json:"participant_name"`
	IdentityID      *string        `json:"identity_id"`
	Counts          map[string]int `json:"counts"`
}

type participationBatchPayload struct {
	SessionID string                `json:"session_id"`
	Records   []participationRecord `json:"records"`
}

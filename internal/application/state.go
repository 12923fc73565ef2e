package application

import (
	"maps"
	"time"

	"github.com/example/attendance-tracker/internal/matching"
)

// EngineState is the in-memory view of sessions, participants and intervals.
// It is owned by AttendanceService and guarded by the service mutex.
type EngineState struct {
	sessions map[string]*sessionState
	byID     map[string]*sessionState
	activeID string
	starting bool
	roster   []matching.Entry
}

type sessionState struct {
	session      Session
	participants map[string]*Participant
	order        []*Participant
	intervals    []*AttendanceInterval
	open         map[string]*AttendanceInterval
	lastClosed   map[string]time.Time
}

// NewEngineState returns an empty state.
func NewEngineState() *EngineState {
	return &EngineState{
		sessions: make(map[string]*sessionState),
		byID:     make(map[string]*sessionState),
	}
}

func newSessionState(session Session) *sessionState {
	return &sessionState{
		session:      session,
		participants: make(map[string]*Participant),
		open:         make(map[string]*AttendanceInterval),
		lastClosed:   make(map[string]time.Time),
	}
}

func (e *EngineState) addSession(session Session) *sessionState {
	st := newSessionState(session)
	e.sessions[session.ID] = st
	return st
}

func (e *EngineState) active() *sessionState {
	if e.activeID == "" {
		return nil
	}
	return e.sessions[e.activeID]
}

// activeFor resolves the active session for an event carrying contextID.
// An empty contextID always resolves to the active session.
func (e *EngineState) activeFor(contextID string) (*sessionState, bool) {
	st := e.active()
	if st == nil {
		return nil, false
	}
	if contextID == "" || contextID == st.session.ID || contextID == st.session.ExternalID {
		return st, true
	}
	return nil, true
}

func (e *EngineState) addParticipant(st *sessionState, p *Participant) {
	st.participants[p.Key] = p
	st.order = append(st.order, p)
	e.byID[p.ID] = st
}

// addInterval appends iv and tracks it as open or as the latest close for its key.
func (st *sessionState) addInterval(iv *AttendanceInterval) {
	st.intervals = append(st.intervals, iv)
	if iv.ClosedAt == nil {
		st.open[iv.ParticipantKey] = iv
		return
	}
	if last, ok := st.lastClosed[iv.ParticipantKey]; !ok || iv.ClosedAt.After(last) {
		st.lastClosed[iv.ParticipantKey] = *iv.ClosedAt
	}
}

func (st *sessionState) closeInterval(iv *AttendanceInterval, at time.Time) time.Time {
	if at.Before(iv.OpenedAt) {
		at = iv.OpenedAt
	}
	closed := at
	iv.ClosedAt = &closed
	delete(st.open, iv.ParticipantKey)
	st.lastClosed[iv.ParticipantKey] = closed
	return closed
}

// backfill stamps identityID on the key's intervals. Automatic matches only
// fill intervals that have none; overwrite replaces any earlier identity.
func (st *sessionState) backfill(key string, identityID *string, overwrite bool) []*AttendanceInterval {
	var changed []*AttendanceInterval
	for _, iv := range st.intervals {
		if iv.ParticipantKey != key {
			continue
		}
		if iv.MatchedIdentityID != nil && !overwrite {
			continue
		}
		iv.MatchedIdentityID = cloneString(identityID)
		changed = append(changed, iv)
	}
	return changed
}

func (st *sessionState) intervalsFor(key string) []*AttendanceInterval {
	var out []*AttendanceInterval
	for _, iv := range st.intervals {
		if iv.ParticipantKey == key {
			out = append(out, iv)
		}
	}
	return out
}

func applyMatch(p *Participant, res *matching.Result) {
	id := res.Entry.IdentityID
	p.MatchedIdentityID = &id
	p.MatchConfidence = res.Score
	p.MatchMethod = res.Method
}

func copyParticipant(p *Participant) Participant {
	out := *p
	out.MatchedIdentityID = cloneString(p.MatchedIdentityID)
	out.LastSeenAt = cloneTime(p.LastSeenAt)
	out.Participation = maps.Clone(p.Participation)
	return out
}

func copyInterval(iv *AttendanceInterval) AttendanceInterval {
	out := *iv
	out.MatchedIdentityID = cloneString(iv.MatchedIdentityID)
	out.ClosedAt = cloneTime(iv.ClosedAt)
	return out
}

func copySession(s Session) Session {
	out := s
	out.EndedAt = cloneTime(s.EndedAt)
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

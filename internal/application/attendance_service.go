package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/attendance-tracker/internal/matching"
)

// AttendanceRepository captures the persistence interactions needed by the service.
// Save operations are upserts keyed by ID.
type AttendanceRepository interface {
	SaveSession(ctx context.Context, session Session) error
	SaveParticipant(ctx context.Context, participant Participant) error
	SaveInterval(ctx context.Context, interval AttendanceInterval) error
	LoadActiveSession(ctx context.Context) (Session, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	ListIntervals(ctx context.Context, sessionID string) ([]AttendanceInterval, error)
}

// SessionRegistrar creates the remote counterpart of a session.
type SessionRegistrar interface {
	CreateSession(ctx context.Context, subjectID, meetingContext string) (RemoteSession, error)
}

// FactPublisher receives remote writes produced by state transitions.
type FactPublisher interface {
	Publish(ctx context.Context, fact Fact)
}

// LifecycleObserver receives session and interval transitions for instrumentation.
type LifecycleObserver interface {
	ObserveSession(transition string)
	ObserveInterval(transition string)
}

// AttendanceServiceDeps bundles the collaborators of AttendanceService.
type AttendanceServiceDeps struct {
	Repository  AttendanceRepository
	Registrar   SessionRegistrar
	Publisher   FactPublisher
	Observer    LifecycleObserver
	Matcher     matching.Matcher
	State       *EngineState
	IDGenerator func() string
	Now         func() time.Time
	Logger      *slog.Logger
}

// AttendanceService owns the session lifecycle and the attendance state machine.
type AttendanceService struct {
	mu          sync.Mutex
	writeMu     sync.Mutex // orders repository writes; taken while mu is held
	state       *EngineState
	repo        AttendanceRepository
	registrar   SessionRegistrar
	publisher   FactPublisher
	observer    LifecycleObserver
	matcher     matching.Matcher
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewAttendanceService wires dependencies for attendance operations.
func NewAttendanceService(deps AttendanceServiceDeps) *AttendanceService {
	if deps.IDGenerator == nil {
		deps.IDGenerator = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.State == nil {
		deps.State = NewEngineState()
	}
	return &AttendanceService{
		state:       deps.State,
		repo:        deps.Repository,
		registrar:   deps.Registrar,
		publisher:   deps.Publisher,
		observer:    deps.Observer,
		matcher:     deps.Matcher,
		idGenerator: deps.IDGenerator,
		now:         deps.Now,
		logger:      defaultLogger(deps.Logger),
	}
}

func (s *AttendanceService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AttendanceService", operation, attrs...)
}

// StartSession registers a session remotely and makes it the active session.
// No local session exists unless the remote call succeeds.
func (s *AttendanceService) StartSession(ctx context.Context, params StartSessionParams) (session Session, err error) {
	if s == nil {
		err = fmt.Errorf("AttendanceService is nil")
		return
	}

	logger := s.loggerWith(ctx, "StartSession", "subject_id", params.SubjectID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to start session", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("session_id", session.ID, "external_id", session.ExternalID).InfoContext(ctx, "session started")
	}()

	subjectID := strings.TrimSpace(params.SubjectID)
	vErr := &ValidationError{}
	if subjectID == "" {
		vErr.add("subject_id", "subject_id is required")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	s.mu.Lock()
	if s.state.activeID != "" || s.state.starting {
		s.mu.Unlock()
		err = ErrAlreadyActive
		return
	}
	s.state.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state.starting = false
		s.mu.Unlock()
	}()

	var remote RemoteSession
	if s.registrar != nil {
		remote, err = s.registrar.CreateSession(ctx, subjectID, params.MeetingContext)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrStartFailed, err)
			return
		}
	}

	startedAt := remote.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	session = Session{
		ID:             s.idGenerator(),
		ExternalID:     remote.ExternalID,
		SubjectID:      subjectID,
		MeetingContext: params.MeetingContext,
		StartedAt:      startedAt.UTC(),
		Status:         SessionActive,
	}

	if s.repo != nil {
		if err = s.repo.SaveSession(ctx, session); err != nil {
			err = fmt.Errorf("%w: persist session: %w", ErrStartFailed, err)
			session = Session{}
			return
		}
	}

	s.mu.Lock()
	s.state.addSession(session)
	s.state.activeID = session.ID
	s.mu.Unlock()

	s.observeSession("started")
	return
}

// EndSession closes every open interval at the end time, marks the session
// ended and publishes the attendance and participation batches.
func (s *AttendanceService) EndSession(ctx context.Context, sessionID string) (session Session, err error) {
	if s == nil {
		err = fmt.Errorf("AttendanceService is nil")
		return
	}

	logger := s.loggerWith(ctx, "EndSession", "session_id", sessionID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to end session", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "session ended")
	}()

	s.mu.Lock()
	st, ok := s.state.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		err = ErrNotFound
		return
	}
	if st.session.Status == SessionEnded {
		s.mu.Unlock()
		err = ErrAlreadyEnded
		return
	}

	endedAt := s.now().UTC()
	if endedAt.Before(st.session.StartedAt) {
		endedAt = st.session.StartedAt
	}

	var closed []AttendanceInterval
	var touched []Participant
	for _, iv := range st.intervals {
		if iv.ClosedAt != nil {
			continue
		}
		at := st.closeInterval(iv, endedAt)
		if p := st.participants[iv.ParticipantKey]; p != nil {
			p.LastSeenAt = &at
			touched = append(touched, copyParticipant(p))
		}
		closed = append(closed, copyInterval(iv))
	}

	st.session.EndedAt = &endedAt
	st.session.Status = SessionEnded
	if s.state.activeID == sessionID {
		s.state.activeID = ""
	}
	session = copySession(st.session)
	facts := buildEndFacts(st)
	release := s.handoffWrites()

	for range closed {
		s.observeInterval("forced_close")
	}
	s.observeSession("ended")

	s.persist(ctx, logger, &session, touched, closed)
	release()

	for _, fact := range facts {
		s.publish(ctx, fact)
	}
	logger.DebugContext(ctx, "session closed", "forced_closes", len(closed), "facts", len(facts))
	return
}

// RecordJoin opens an interval for the named participant unless one is already open.
func (s *AttendanceService) RecordJoin(ctx context.Context, presence Presence) (PresenceResult, error) {
	if s == nil {
		return PresenceResult{}, fmt.Errorf("AttendanceService is nil")
	}
	name := strings.TrimSpace(presence.Name)
	key := matching.Normalize(name)
	if key == "" {
		return PresenceResult{}, nil
	}

	logger := s.loggerWith(ctx, "RecordJoin", "participant_key", key)

	s.mu.Lock()
	st, hasActive := s.state.activeFor(presence.SessionContextID)
	if !hasActive {
		s.mu.Unlock()
		return PresenceResult{}, ErrNoActiveSession
	}
	if st == nil {
		s.mu.Unlock()
		logger.DebugContext(ctx, "ignoring join for stale session", "session_context_id", presence.SessionContextID)
		return PresenceResult{}, nil
	}

	at := s.eventTime(presence.At)
	p, created := st.participants[key], false
	if p == nil {
		created = true
		p = &Participant{
			ID:            s.idGenerator(),
			SessionID:     st.session.ID,
			Key:           key,
			ObservedName:  name,
			MatchMethod:   matching.MethodNone,
			FirstSeenAt:   at,
			Participation: map[string]int{},
		}
		if res := s.matcher.Match(name, s.state.roster); res != nil {
			applyMatch(p, res)
		}
		s.state.addParticipant(st, p)
	}
	if presence.TransientID != "" {
		p.LastTransientID = presence.TransientID
	}
	p.LastSignalAt = at

	var opened *AttendanceInterval
	if st.open[key] == nil {
		openedAt := at
		if last, ok := st.lastClosed[key]; ok && openedAt.Before(last) {
			openedAt = last
		}
		opened = &AttendanceInterval{
			ID:                s.idGenerator(),
			SessionID:         st.session.ID,
			ParticipantKey:    key,
			MatchedIdentityID: cloneString(p.MatchedIdentityID),
			OpenedAt:          openedAt,
		}
		st.addInterval(opened)
		p.LastSeenAt = nil
	}

	result := PresenceResult{Participant: copyParticipant(p), Changed: opened != nil}
	var intervals []AttendanceInterval
	if opened != nil {
		iv := copyInterval(opened)
		result.Interval = &iv
		intervals = append(intervals, iv)
	}
	session := st.session
	release := s.handoffWrites()

	if created {
		logger.InfoContext(ctx, "participant observed",
			"participant_id", result.Participant.ID,
			"match_method", string(result.Participant.MatchMethod),
			"match_confidence", result.Participant.MatchConfidence,
		)
	}
	s.persist(ctx, logger, nil, []Participant{result.Participant}, intervals)
	release()
	if result.Interval != nil {
		s.observeInterval("opened")
		s.publish(ctx, joinFact(session, result.Participant, *result.Interval, presence.TransientID))
	}
	return result, nil
}

// RecordLeave closes the participant's open interval. A leave with nothing open is a no-op.
func (s *AttendanceService) RecordLeave(ctx context.Context, presence Presence) (PresenceResult, error) {
	if s == nil {
		return PresenceResult{}, fmt.Errorf("AttendanceService is nil")
	}
	key := matching.Normalize(presence.Name)
	if key == "" {
		return PresenceResult{}, nil
	}

	logger := s.loggerWith(ctx, "RecordLeave", "participant_key", key)

	s.mu.Lock()
	st, hasActive := s.state.activeFor(presence.SessionContextID)
	if !hasActive {
		s.mu.Unlock()
		return PresenceResult{}, ErrNoActiveSession
	}
	if st == nil {
		s.mu.Unlock()
		logger.DebugContext(ctx, "ignoring leave for stale session", "session_context_id", presence.SessionContextID)
		return PresenceResult{}, nil
	}

	p := st.participants[key]
	if p == nil {
		s.mu.Unlock()
		logger.DebugContext(ctx, "ignoring leave for unknown participant")
		return PresenceResult{}, nil
	}

	at := s.eventTime(presence.At)
	p.LastSignalAt = at
	iv := st.open[key]
	if iv == nil {
		result := PresenceResult{Participant: copyParticipant(p)}
		s.mu.Unlock()
		return result, nil
	}

	closedAt := st.closeInterval(iv, at)
	p.LastSeenAt = &closedAt
	closed := copyInterval(iv)
	result := PresenceResult{Participant: copyParticipant(p), Interval: &closed, Changed: true}
	session := st.session
	release := s.handoffWrites()

	s.persist(ctx, logger, nil, []Participant{result.Participant}, []AttendanceInterval{closed})
	release()
	s.observeInterval("closed")
	s.publish(ctx, leaveFact(session, result.Participant, closed, presence.TransientID))
	return result, nil
}

// RecordParticipation counts a non-presence signal for an already observed participant.
func (s *AttendanceService) RecordParticipation(ctx context.Context, presence Presence) error {
	if s == nil {
		return fmt.Errorf("AttendanceService is nil")
	}
	key := matching.Normalize(presence.Name)
	if key == "" || presence.Kind == "" {
		return nil
	}

	logger := s.loggerWith(ctx, "RecordParticipation", "participant_key", key, "kind", presence.Kind)

	s.mu.Lock()
	st, hasActive := s.state.activeFor(presence.SessionContextID)
	if !hasActive {
		s.mu.Unlock()
		return ErrNoActiveSession
	}
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	p := st.participants[key]
	if p == nil {
		s.mu.Unlock()
		logger.DebugContext(ctx, "ignoring participation for unknown participant")
		return nil
	}
	if p.Participation == nil {
		p.Participation = map[string]int{}
	}
	p.Participation[presence.Kind]++
	p.LastSignalAt = s.eventTime(presence.At)
	snapshot := copyParticipant(p)
	release := s.handoffWrites()

	s.persist(ctx, logger, nil, []Participant{snapshot}, nil)
	release()
	return nil
}

// UpdateRoster replaces the roster and re-runs matching for every unmatched
// participant of the active session in arrival order.
func (s *AttendanceService) UpdateRoster(ctx context.Context, roster []RosterEntry) (matched int, err error) {
	if s == nil {
		err = fmt.Errorf("AttendanceService is nil")
		return
	}

	logger := s.loggerWith(ctx, "UpdateRoster", "roster_size", len(roster))
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update roster", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "roster updated", "rematched", matched)
	}()

	entries := make([]matching.Entry, 0, len(roster))
	vErr := &ValidationError{}
	for i, r := range roster {
		id := strings.TrimSpace(r.IdentityID)
		if id == "" {
			vErr.add(fmt.Sprintf("roster[%d].identity_id", i), "identity_id is required")
			continue
		}
		entries = append(entries, matching.Entry{IdentityID: id, DisplayName: r.DisplayName})
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	s.mu.Lock()
	s.state.roster = entries
	var participants []Participant
	var intervals []AttendanceInterval
	if st := s.state.active(); st != nil {
		for _, p := range st.order {
			if p.MatchMethod != matching.MethodNone {
				continue
			}
			res := s.matcher.Match(p.ObservedName, entries)
			if res == nil {
				continue
			}
			applyMatch(p, res)
			matched++
			participants = append(participants, copyParticipant(p))
			for _, iv := range st.backfill(p.Key, p.MatchedIdentityID, false) {
				intervals = append(intervals, copyInterval(iv))
			}
		}
	}
	release := s.handoffWrites()

	s.persist(ctx, logger, nil, participants, intervals)
	release()
	return
}

// ManualMatch links a participant to a roster identity, superseding any automatic match.
func (s *AttendanceService) ManualMatch(ctx context.Context, participantID, identityID string) (participant Participant, err error) {
	if s == nil {
		err = fmt.Errorf("AttendanceService is nil")
		return
	}

	logger := s.loggerWith(ctx, "ManualMatch", "participant_id", participantID, "identity_id", identityID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to match participant", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "participant matched manually")
	}()

	s.mu.Lock()
	st, ok := s.state.byID[participantID]
	if !ok {
		s.mu.Unlock()
		err = ErrNotFound
		return
	}
	var entry *matching.Entry
	for i := range s.state.roster {
		if s.state.roster[i].IdentityID == identityID {
			entry = &s.state.roster[i]
			break
		}
	}
	if entry == nil {
		s.mu.Unlock()
		err = ErrUnknownIdentity
		return
	}

	var p *Participant
	for _, candidate := range st.order {
		if candidate.ID == participantID {
			p = candidate
			break
		}
	}
	if p == nil {
		s.mu.Unlock()
		err = ErrNotFound
		return
	}

	res := matching.Manual(*entry)
	applyMatch(p, &res)
	var intervals []AttendanceInterval
	for _, iv := range st.backfill(p.Key, p.MatchedIdentityID, true) {
		intervals = append(intervals, copyInterval(iv))
	}
	participant = copyParticipant(p)
	release := s.handoffWrites()

	s.persist(ctx, logger, nil, []Participant{participant}, intervals)
	release()
	return
}

// ActiveSession returns the active session, if any.
func (s *AttendanceService) ActiveSession() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.active()
	if st == nil {
		return Session{}, false
	}
	return copySession(st.session), true
}

// GetSession returns a session known to this process.
func (s *AttendanceService) GetSession(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(st.session), nil
}

// ListParticipants returns the session's participants in arrival order.
func (s *AttendanceService) ListParticipants(sessionID string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Participant, 0, len(st.order))
	for _, p := range st.order {
		out = append(out, copyParticipant(p))
	}
	return out, nil
}

// ListIntervals returns the session's intervals in the order they were opened.
func (s *AttendanceService) ListIntervals(sessionID string) ([]AttendanceInterval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]AttendanceInterval, 0, len(st.intervals))
	for _, iv := range st.intervals {
		out = append(out, copyInterval(iv))
	}
	return out, nil
}

// Summary aggregates closed interval durations per participant.
func (s *AttendanceService) Summary(sessionID string) ([]ParticipantSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]ParticipantSummary, 0, len(st.order))
	for _, p := range st.order {
		summary := ParticipantSummary{
			ParticipantID:     p.ID,
			ObservedName:      p.ObservedName,
			MatchedIdentityID: cloneString(p.MatchedIdentityID),
			MatchMethod:       p.MatchMethod,
			MatchConfidence:   p.MatchConfidence,
			Present:           st.open[p.Key] != nil,
			Participation:     copyParticipant(p).Participation,
		}
		for _, iv := range st.intervalsFor(p.Key) {
			summary.Intervals++
			summary.TotalDuration += iv.Duration()
		}
		out = append(out, summary)
	}
	return out, nil
}

// Roster returns the current roster.
func (s *AttendanceService) Roster() []RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RosterEntry, 0, len(s.state.roster))
	for _, e := range s.state.roster {
		out = append(out, RosterEntry{IdentityID: e.IdentityID, DisplayName: e.DisplayName})
	}
	return out
}

// Restore reloads the active session from the repository after a restart.
func (s *AttendanceService) Restore(ctx context.Context) (restored bool, err error) {
	if s == nil || s.repo == nil {
		return false, nil
	}

	logger := s.loggerWith(ctx, "Restore")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to restore session", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	session, err := s.repo.LoadActiveSession(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	participants, err := s.repo.ListParticipants(ctx, session.ID)
	if err != nil {
		return false, err
	}
	intervals, err := s.repo.ListIntervals(ctx, session.ID)
	if err != nil {
		return false, err
	}
	if err = ValidateIntervals(intervals); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.activeID != "" {
		return false, ErrAlreadyActive
	}
	st := s.state.addSession(session)
	for i := range participants {
		p := participants[i]
		if p.Participation == nil {
			p.Participation = map[string]int{}
		}
		s.state.addParticipant(st, &p)
	}
	for i := range intervals {
		iv := intervals[i]
		st.addInterval(&iv)
	}
	s.state.activeID = session.ID

	logger.InfoContext(ctx, "session restored",
		"session_id", session.ID,
		"participants", len(participants),
		"open_intervals", len(st.open),
	)
	return true, nil
}

func (s *AttendanceService) eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return s.now().UTC()
	}
	return at.UTC()
}

// handoffWrites releases mu while holding writeMu, so snapshots taken under
// mu reach the repository in mutation order. Call it with mu held and invoke
// the returned func once the writes are done.
func (s *AttendanceService) handoffWrites() func() {
	s.writeMu.Lock()
	s.mu.Unlock()
	return s.writeMu.Unlock
}

// persist writes through to the repository. Store failures never block the
// in-memory state machine, and the writes outlive a cancelled caller.
func (s *AttendanceService) persist(ctx context.Context, logger *slog.Logger, session *Session, participants []Participant, intervals []AttendanceInterval) {
	if s.repo == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if session != nil {
		if err := s.repo.SaveSession(ctx, *session); err != nil {
			logger.WarnContext(ctx, "failed to persist session", "session_id", session.ID, "error", err)
		}
	}
	for _, p := range participants {
		if err := s.repo.SaveParticipant(ctx, p); err != nil {
			logger.WarnContext(ctx, "failed to persist participant", "participant_id", p.ID, "error", err)
		}
	}
	for _, iv := range intervals {
		if err := s.repo.SaveInterval(ctx, iv); err != nil {
			logger.WarnContext(ctx, "failed to persist interval", "interval_id", iv.ID, "error", err)
		}
	}
}

func (s *AttendanceService) publish(ctx context.Context, fact Fact) {
	if s.publisher == nil || fact.Kind == "" {
		return
	}
	s.publisher.Publish(ctx, fact)
}

func (s *AttendanceService) observeSession(transition string) {
	if s.observer != nil {
		s.observer.ObserveSession(transition)
	}
}

func (s *AttendanceService) observeInterval(transition string) {
	if s.observer != nil {
		s.observer.ObserveInterval(transition)
	}
}

package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/engine"
)

type sessionLifecycle interface {
	StartSession(ctx context.Context, params application.StartSessionParams) (application.Session, error)
	EndSession(ctx context.Context, sessionID string) (engine.EndResult, error)
}

type sessionReader interface {
	ActiveSession() (application.Session, bool)
	GetSession(sessionID string) (application.Session, error)
	Summary(sessionID string) ([]application.ParticipantSummary, error)
	ListIntervals(sessionID string) ([]application.AttendanceInterval, error)
}

// SessionHandler serves session lifecycle endpoints.
type SessionHandler struct {
	lifecycle sessionLifecycle
	reader    sessionReader
	responder responder
	logger    *slog.Logger
}

func NewSessionHandler(lifecycle sessionLifecycle, reader sessionReader, logger *slog.Logger) *SessionHandler {
	base := defaultLogger(logger)
	return &SessionHandler{
		lifecycle: lifecycle,
		reader:    reader,
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *SessionHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "SessionHandler", operation, attrs...)
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.log(ctx, "Start")

	var req startSessionRequest
	if err := h.responder.decode(w, r, &req); err != nil {
		logger.WarnContext(ctx, "failed to decode session request", "error", err, "error_kind", "bad_request")
		h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	session, err := h.lifecycle.StartSession(ctx, application.StartSessionParams{
		SubjectID:      req.SubjectID,
		MeetingContext: req.MeetingContext,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to start session", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	logger.InfoContext(ctx, "session started", "session_id", session.ID)
	h.responder.writeJSON(ctx, w, http.StatusCreated, toSessionDTO(session))
}

func (h *SessionHandler) Active(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, ok := h.reader.ActiveSession()
	if !ok {
		h.responder.handleServiceError(ctx, w, application.ErrNoActiveSession)
		return
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, toSessionDTO(session))
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := PathIDFromContext(ctx)
	if !ok {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	logger := h.log(ctx, "Get", "session_id", sessionID)

	session, err := h.reader.GetSession(sessionID)
	if err != nil {
		logger.WarnContext(ctx, "session lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	summary, err := h.reader.Summary(sessionID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to summarise session", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	intervals, err := h.reader.ListIntervals(sessionID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list intervals", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	resp := sessionDetailResponse{
		Session:      toSessionDTO(session),
		Participants: make([]participantSummaryDTO, 0, len(summary)),
		Intervals:    make([]intervalDTO, 0, len(intervals)),
	}
	for _, s := range summary {
		resp.Participants = append(resp.Participants, toParticipantSummaryDTO(s))
	}
	for _, iv := range intervals {
		resp.Intervals = append(resp.Intervals, toIntervalDTO(iv))
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := PathIDFromContext(ctx)
	if !ok {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errInvalidSessionID)
		return
	}
	logger := h.log(ctx, "End", "session_id", sessionID)

	result, err := h.lifecycle.EndSession(ctx, sessionID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to end session", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	logger.InfoContext(ctx, "session ended", "drained", result.Drained, "abandoned", result.Abandoned)
	h.responder.writeJSON(ctx, w, http.StatusOK, endSessionResponse{
		Session:   toSessionDTO(result.Session),
		Drained:   result.Drained,
		Abandoned: result.Abandoned,
	})
}

type startSessionRequest struct {
	SubjectID      string `json:"subject_id"`
	MeetingContext string `json:"meeting_context"`
}

type sessionDTO struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id"`
	SubjectID      string     `json:"subject_id"`
	MeetingContext string     `json:"meeting_context,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

type participantSummaryDTO struct {
	ParticipantID        string         `json:"participant_id"`
	ObservedName         string         `json:"observed_name"`
	MatchedIdentityID    *string        `json:"matched_identity_id"`
	MatchMethod          string         `json:"match_method"`
	MatchConfidence      float64        `json:"match_confidence"`
	Intervals            int            `json:"intervals"`
	TotalDurationSeconds int64          `json:"total_duration_seconds"`
	Present              bool           `json:"present"`
	Participation        map[string]int `json:"participation,omitempty"`
}

type intervalDTO struct {
	ID                string     `json:"id"`
	ParticipantKey    string     `json:"participant_key"`
	MatchedIdentityID *string    `json:"matched_identity_id"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type sessionDetailResponse struct {
	Session      sessionDTO              `json:"session"`
	Participants []participantSummaryDTO `json:"participants"`
	Intervals    []intervalDTO           `json:"intervals"`
}

type endSessionResponse struct {
	Session   sessionDTO `json:"session"`
	Drained   bool       `json:"drained"`
	Abandoned int        `json:"abandoned"`
}

func toSessionDTO(s application.Session) sessionDTO {
	return sessionDTO{
		ID:             s.ID,
		ExternalID:     s.ExternalID,
		SubjectID:      s.SubjectID,
		MeetingContext: s.MeetingContext,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
	}
}

func toParticipantSummaryDTO(s application.ParticipantSummary) participantSummaryDTO {
	return participantSummaryDTO{
		ParticipantID:        s.ParticipantID,
		ObservedName:         s.ObservedName,
		MatchedIdentityID:    s.MatchedIdentityID,
		MatchMethod:          string(s.MatchMethod),
		MatchConfidence:      s.MatchConfidence,
		Intervals:            s.Intervals,
		TotalDurationSeconds: int64(s.TotalDuration / time.Second),
		Present:              s.Present,
		Participation:        s.Participation,
	}
}

func toIntervalDTO(iv application.AttendanceInterval) intervalDTO {
	return intervalDTO{
		ID:                iv.ID,
		ParticipantKey:    iv.ParticipantKey,
		MatchedIdentityID: iv.MatchedIdentityID,
		OpenedAt:          iv.OpenedAt,
		ClosedAt:          iv.ClosedAt,
	}
}

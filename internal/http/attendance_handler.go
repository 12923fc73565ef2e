package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/ingest"
)

type eventSubmitter interface {
	Submit(ctx context.Context, ev ingest.Event) bool
}

type rosterService interface {
	UpdateRoster(ctx context.Context, roster []application.RosterEntry) (int, error)
	ManualMatch(ctx context.Context, participantID, identityID string) (application.Participant, error)
}

// AttendanceHandler accepts presence signals and roster corrections.
type AttendanceHandler struct {
	events    eventSubmitter
	roster    rosterService
	responder responder
	logger    *slog.Logger
	now       func() time.Time
}

func NewAttendanceHandler(events eventSubmitter, roster rosterService, logger *slog.Logger) *AttendanceHandler {
	base := defaultLogger(logger)
	return &AttendanceHandler{
		events:    events,
		roster:    roster,
		responder: newResponder(base),
		logger:    base,
		now:       time.Now,
	}
}

func (h *AttendanceHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "AttendanceHandler", operation, attrs...)
}

// Events accepts either one event object or an array of them.
func (h *AttendanceHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.log(ctx, "Events")

	var raw json.RawMessage
	if err := h.responder.decode(w, r, &raw); err != nil {
		logger.WarnContext(ctx, "failed to decode events", "error", err, "error_kind", "bad_request")
		h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	var batch []eventRequest
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			logger.WarnContext(ctx, "failed to decode event batch", "error", err, "error_kind", "bad_request")
			h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
			return
		}
	} else {
		var single eventRequest
		if err := json.Unmarshal(trimmed, &single); err != nil {
			logger.WarnContext(ctx, "failed to decode event", "error", err, "error_kind", "bad_request")
			h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
			return
		}
		batch = append(batch, single)
	}

	resp := submitEventsResponse{}
	for _, req := range batch {
		if h.events.Submit(ctx, req.toEvent(h.now)) {
			resp.Accepted++
		} else {
			resp.Suppressed++
		}
	}

	logger.DebugContext(ctx, "events submitted", "accepted", resp.Accepted, "suppressed", resp.Suppressed)
	h.responder.writeJSON(ctx, w, http.StatusAccepted, resp)
}

func (h *AttendanceHandler) UpdateRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.log(ctx, "UpdateRoster")

	var req []rosterEntryRequest
	if err := h.responder.decode(w, r, &req); err != nil {
		logger.WarnContext(ctx, "failed to decode roster", "error", err, "error_kind", "bad_request")
		h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	entries := make([]application.RosterEntry, 0, len(req))
	for _, e := range req {
		entries = append(entries, application.RosterEntry{IdentityID: e.IdentityID, DisplayName: e.DisplayName})
	}

	matched, err := h.roster.UpdateRoster(ctx, entries)
	if err != nil {
		logger.ErrorContext(ctx, "failed to update roster", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	h.responder.writeJSON(ctx, w, http.StatusOK, updateRosterResponse{RosterSize: len(entries), Matched: matched})
}

func (h *AttendanceHandler) Match(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	participantID, ok := PathIDFromContext(ctx)
	if !ok {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errInvalidParticipID)
		return
	}
	logger := h.log(ctx, "Match", "participant_id", participantID)

	var req matchRequest
	if err := h.responder.decode(w, r, &req); err != nil {
		logger.WarnContext(ctx, "failed to decode match request", "error", err, "error_kind", "bad_request")
		h.responder.writeError(ctx, w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	participant, err := h.roster.ManualMatch(ctx, participantID, req.IdentityID)
	if err != nil {
		logger.WarnContext(ctx, "manual match rejected", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	h.responder.writeJSON(ctx, w, http.StatusOK, toParticipantDTO(participant))
}

type eventRequest struct {
	Type             string            `json:"type"`
	ParticipantName  string            `json:"participant_name"`
	ParticipantID    string            `json:"participant_id"`
	Timestamp        *time.Time        `json:"timestamp"`
	SessionContextID string            `json:"session_context_id"`
	Data             map[string]string `json:"data"`
}

// toEvent stamps events without a timestamp with the receive time.
func (r eventRequest) toEvent(now func() time.Time) ingest.Event {
	ev := ingest.Event{
		Type:             ingest.EventType(r.Type),
		ParticipantName:  r.ParticipantName,
		ParticipantID:    r.ParticipantID,
		SessionContextID: r.SessionContextID,
		Data:             r.Data,
	}
	if r.Timestamp != nil {
		ev.Timestamp = *r.Timestamp
	} else {
		ev.Timestamp = now()
	}
	return ev
}

type submitEventsResponse struct {
	Accepted   int `json:"accepted"`
	Suppressed int `json:"suppressed"`
}

type rosterEntryRequest struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
}

type updateRosterResponse struct {
	RosterSize int `json:"roster_size"`
	Matched    int `json:"matched"`
}

type matchRequest struct {
	IdentityID string `json:"identity_id"`
}

type participantDTO struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	ObservedName      string         `json:"observed_name"`
	MatchedIdentityID *string        `json:"matched_identity_id"`
	MatchMethod       string         `json:"match_method"`
	MatchConfidence   float64        `json:"match_confidence"`
	FirstSeenAt       time.Time      `json:"first_seen_at"`
	LastSeenAt        *time.Time     `json:"last_seen_at,omitempty"`
	Participation     map[string]int `json:"participation,omitempty"`
}

func toParticipantDTO(p application.Participant) participantDTO {
	return participantDTO{
		ID:                p.ID,
		SessionID:         p.SessionID,
		ObservedName:      p.ObservedName,
		MatchedIdentityID: p.MatchedIdentityID,
		MatchMethod:       string(p.MatchMethod),
		MatchConfidence:   p.MatchConfidence,
		FirstSeenAt:       p.FirstSeenAt,
		LastSeenAt:        p.LastSeenAt,
		Participation:     p.Participation,
	}
}

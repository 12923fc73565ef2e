package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/engine"
	"github.com/example/attendance-tracker/internal/ingest"
	"github.com/example/attendance-tracker/internal/matching"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

var fixedTime = time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLifecycle struct {
	started  application.StartSessionParams
	startErr error
	endErr   error
	ended    string
}

func (f *fakeLifecycle) StartSession(_ context.Context, params application.StartSessionParams) (application.Session, error) {
	f.started = params
	if f.startErr != nil {
		return application.Session{}, f.startErr
	}
	return application.Session{ID: "s-1", ExternalID: "ext-1", SubjectID: params.SubjectID, Status: application.SessionActive, StartedAt: fixedTime}, nil
}

func (f *fakeLifecycle) EndSession(_ context.Context, id string) (engine.EndResult, error) {
	f.ended = id
	if f.endErr != nil {
		return engine.EndResult{}, f.endErr
	}
	ended := fixedTime.Add(time.Hour)
	return engine.EndResult{
		Session:   application.Session{ID: id, Status: application.SessionEnded, StartedAt: fixedTime, EndedAt: &ended},
		Drained:   false,
		Abandoned: 2,
	}, nil
}

type fakeReader struct {
	active   *application.Session
	sessions map[string]application.Session
}

func (f *fakeReader) ActiveSession() (application.Session, bool) {
	if f.active == nil {
		return application.Session{}, false
	}
	return *f.active, true
}

func (f *fakeReader) GetSession(id string) (application.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return application.Session{}, application.ErrNotFound
	}
	return s, nil
}

func (f *fakeReader) Summary(id string) ([]application.ParticipantSummary, error) {
	identity := "stu-1"
	return []application.ParticipantSummary{{
		ParticipantID:     "p-1",
		ObservedName:      "Ana Souza",
		MatchedIdentityID: &identity,
		MatchMethod:       matching.MethodExactName,
		MatchConfidence:   1,
		Intervals:         2,
		TotalDuration:     90 * time.Second,
	}}, nil
}

func (f *fakeReader) ListIntervals(id string) ([]application.AttendanceInterval, error) {
	return []application.AttendanceInterval{{ID: "i-1", SessionID: id, ParticipantKey: "ana souza", OpenedAt: fixedTime}}, nil
}

type fakeSubmitter struct {
	events []ingest.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, ev ingest.Event) bool {
	for _, prev := range f.events {
		if prev.ParticipantName == ev.ParticipantName && prev.Type == ev.Type {
			return false
		}
	}
	f.events = append(f.events, ev)
	return true
}

type fakeRoster struct {
	roster []application.RosterEntry
	err    error
}

func (f *fakeRoster) UpdateRoster(_ context.Context, roster []application.RosterEntry) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.roster = roster
	return 1, nil
}

func (f *fakeRoster) ManualMatch(_ context.Context, participantID, identityID string) (application.Participant, error) {
	if identityID != "stu-1" {
		return application.Participant{}, application.ErrUnknownIdentity
	}
	return application.Participant{ID: participantID, MatchedIdentityID: &identityID, MatchMethod: matching.MethodManual, MatchConfidence: 1}, nil
}

type fakeQueue struct {
	items   map[string]syncqueue.Item
	retried string
}

func (f *fakeQueue) List(context.Context) ([]syncqueue.Item, error) {
	out := make([]syncqueue.Item, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeQueue) Status(context.Context) (syncqueue.Status, error) {
	return syncqueue.Status{Total: len(f.items), Failed: len(f.items)}, nil
}

func (f *fakeQueue) RetryItem(_ context.Context, id string) (syncqueue.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return syncqueue.Item{}, syncqueue.ErrItemNotFound
	}
	f.retried = id
	item.Attempts = 0
	return item, nil
}

func (f *fakeQueue) Remove(_ context.Context, id string) error {
	if _, ok := f.items[id]; !ok {
		return syncqueue.ErrItemNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeQueue) Config() syncqueue.Config {
	return syncqueue.Config{MaxAttempts: 5}
}

type testServer struct {
	lifecycle *fakeLifecycle
	reader    *fakeReader
	submitter *fakeSubmitter
	roster    *fakeRoster
	queue     *fakeQueue
	handler   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		lifecycle: &fakeLifecycle{},
		reader:    &fakeReader{sessions: map[string]application.Session{"s-1": {ID: "s-1", Status: application.SessionActive, StartedAt: fixedTime}}},
		submitter: &fakeSubmitter{},
		roster:    &fakeRoster{},
		queue:     &fakeQueue{items: map[string]syncqueue.Item{"q-1": {ID: "q-1", Kind: "join_event", Attempts: 5, CreatedAt: fixedTime}}},
	}
	logger := discardLogger()
	attendance := NewAttendanceHandler(ts.submitter, ts.roster, logger)
	attendance.now = func() time.Time { return fixedTime }
	ts.handler = NewRouter(RouterConfig{
		Sessions:   NewSessionHandler(ts.lifecycle, ts.reader, logger),
		Attendance: attendance,
		Queue:      NewQueueHandler(ts.queue, logger),
		Middleware: []func(http.Handler) http.Handler{RequestLogger(logger)},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSessionHandlers(t *testing.T) {
	t.Run("start returns 201 with the session", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/sessions", `{"subject_id":"math-101","meeting_context":"room-a"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var got sessionDTO
		decodeBody(t, rec, &got)
		if got.ID != "s-1" || got.SubjectID != "math-101" || got.Status != "ACTIVE" {
			t.Fatalf("unexpected session %+v", got)
		}
		if ts.lifecycle.started.MeetingContext != "room-a" {
			t.Fatalf("meeting context not forwarded: %+v", ts.lifecycle.started)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatal("expected request id header")
		}
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/sessions", `{`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("service errors map to status codes", func(t *testing.T) {
		cases := []struct {
			err    error
			status int
			code   string
		}{
			{application.ErrAlreadyActive, http.StatusConflict, "SESSION_ACTIVE"},
			{application.ErrStartFailed, http.StatusBadGateway, "REMOTE_START_FAILED"},
			{&application.ValidationError{FieldErrors: map[string]string{"subject_id": "subject_id is required"}}, http.StatusUnprocessableEntity, ""},
			{errors.New("boom"), http.StatusInternalServerError, ""},
		}
		for _, tc := range cases {
			ts := newTestServer(t)
			ts.lifecycle.startErr = tc.err
			rec := ts.do(t, http.MethodPost, "/sessions", `{"subject_id":"x"}`)
			if rec.Code != tc.status {
				t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
			}
			var resp errorResponse
			decodeBody(t, rec, &resp)
			if resp.ErrorCode != tc.code {
				t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, resp.ErrorCode)
			}
		}
	})

	t.Run("validation messages are localized", func(t *testing.T) {
		ts := newTestServer(t)
		ts.lifecycle.startErr = &application.ValidationError{FieldErrors: map[string]string{"subject_id": "subject_id is required"}}
		rec := ts.do(t, http.MethodPost, "/sessions", `{}`)
		var resp errorResponse
		decodeBody(t, rec, &resp)
		if resp.Errors["subject_id"] != "科目 ID は必須です。" {
			t.Fatalf("unexpected field errors %+v", resp.Errors)
		}
	})

	t.Run("active session lookup", func(t *testing.T) {
		ts := newTestServer(t)
		if rec := ts.do(t, http.MethodGet, "/sessions", ""); rec.Code != http.StatusConflict {
			t.Fatalf("expected 409 without an active session, got %d", rec.Code)
		}
		active := application.Session{ID: "s-1", Status: application.SessionActive}
		ts.reader.active = &active
		if rec := ts.do(t, http.MethodGet, "/sessions", ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("detail includes summary and intervals", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodGet, "/sessions/s-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got sessionDetailResponse
		decodeBody(t, rec, &got)
		if len(got.Participants) != 1 || got.Participants[0].TotalDurationSeconds != 90 || got.Participants[0].MatchMethod != "exact_name" {
			t.Fatalf("unexpected participants %+v", got.Participants)
		}
		if len(got.Intervals) != 1 || got.Intervals[0].ClosedAt != nil {
			t.Fatalf("unexpected intervals %+v", got.Intervals)
		}

		if rec := ts.do(t, http.MethodGet, "/sessions/missing", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("end reports drain outcome", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/sessions/s-1/end", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got endSessionResponse
		decodeBody(t, rec, &got)
		if got.Drained || got.Abandoned != 2 || got.Session.Status != "ENDED" || ts.lifecycle.ended != "s-1" {
			t.Fatalf("unexpected end response %+v", got)
		}

		ts.lifecycle.endErr = application.ErrAlreadyEnded
		if rec := ts.do(t, http.MethodPost, "/sessions/s-1/end", ""); rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("unsupported methods and paths", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodDelete, "/sessions", "")
		if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "GET, POST" {
			t.Fatalf("unexpected response %d allow=%q", rec.Code, rec.Header().Get("Allow"))
		}
		if rec := ts.do(t, http.MethodGet, "/sessions/s-1/end", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
		if rec := ts.do(t, http.MethodGet, "/sessions/s-1/unknown", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAttendanceHandlers(t *testing.T) {
	t.Run("single event", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/events", `{"type":"join","participant_name":"Ana","participant_id":"t-1"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
		var got submitEventsResponse
		decodeBody(t, rec, &got)
		if got.Accepted != 1 || got.Suppressed != 0 {
			t.Fatalf("unexpected counts %+v", got)
		}
		ev := ts.submitter.events[0]
		if ev.Type != ingest.EventJoin || ev.ParticipantID != "t-1" || !ev.Timestamp.Equal(fixedTime) {
			t.Fatalf("unexpected event %+v", ev)
		}
	})

	t.Run("batch with duplicates", func(t *testing.T) {
		ts := newTestServer(t)
		body := `[
			{"type":"join","participant_name":"Ana","timestamp":"2024-01-02T15:00:00Z"},
			{"type":"join","participant_name":"Ana"},
			{"type":"chat","participant_name":"Ana","data":{"text":"hi"}}
		]`
		rec := ts.do(t, http.MethodPost, "/events", body)
		var got submitEventsResponse
		decodeBody(t, rec, &got)
		if got.Accepted != 2 || got.Suppressed != 1 {
			t.Fatalf("unexpected counts %+v", got)
		}
		if want := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC); !ts.submitter.events[0].Timestamp.Equal(want) {
			t.Fatalf("explicit timestamp not kept: %v", ts.submitter.events[0].Timestamp)
		}
		if ts.submitter.events[1].Data["text"] != "hi" {
			t.Fatalf("event data lost: %+v", ts.submitter.events[1])
		}
	})

	t.Run("malformed events are rejected", func(t *testing.T) {
		ts := newTestServer(t)
		for _, body := range []string{`[{"type":1}]`, `"join"`, ``} {
			if rec := ts.do(t, http.MethodPost, "/events", body); rec.Code != http.StatusBadRequest {
				t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
			}
		}
	})

	t.Run("roster update", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPut, "/roster", `[{"identity_id":"stu-1","display_name":"Ana Souza"},{"identity_id":"stu-2","display_name":"Bo"}]`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got updateRosterResponse
		decodeBody(t, rec, &got)
		if got.RosterSize != 2 || got.Matched != 1 || ts.roster.roster[1].DisplayName != "Bo" {
			t.Fatalf("unexpected roster response %+v", got)
		}
	})

	t.Run("manual match", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(t, http.MethodPost, "/participants/p-1/match", `{"identity_id":"stu-1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got participantDTO
		decodeBody(t, rec, &got)
		if got.ID != "p-1" || got.MatchMethod != "manual" || got.MatchedIdentityID == nil || *got.MatchedIdentityID != "stu-1" {
			t.Fatalf("unexpected participant %+v", got)
		}

		rec = ts.do(t, http.MethodPost, "/participants/p-1/match", `{"identity_id":"ghost"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
		if rec := ts.do(t, http.MethodPost, "/participants/p-1", `{}`); rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestQueueHandlers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list queueListResponse
	decodeBody(t, rec, &list)
	if list.Status.Total != 1 || len(list.Items) != 1 || list.Items[0].State != "failed" {
		t.Fatalf("unexpected queue listing %+v", list)
	}

	rec = ts.do(t, http.MethodPost, "/queue/q-1/retry", "")
	if rec.Code != http.StatusOK || ts.queue.retried != "q-1" {
		t.Fatalf("retry failed: %d", rec.Code)
	}
	var item queueItemDTO
	decodeBody(t, rec, &item)
	if item.State != "pending" {
		t.Fatalf("expected pending after retry, got %q", item.State)
	}

	if rec := ts.do(t, http.MethodDelete, "/queue/q-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/queue/q-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for removed item, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	handler := NewRouter(RouterConfig{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Health: func(context.Context) error {
			if !healthy {
				return errors.New("database unavailable")
			}
			return nil
		},
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Body.String() != "metrics" {
		t.Fatalf("metrics handler not mounted: %q", rec.Body.String())
	}
}

func TestSplitResourcePath(t *testing.T) {
	cases := []struct {
		path, id, action string
	}{
		{"/sessions/abc", "abc", ""},
		{"/sessions/abc/", "abc", ""},
		{"/sessions/abc/end", "abc", "end"},
		{"/sessions/", "", ""},
		{"/sessions/a/b/c", "", ""},
	}
	for _, tc := range cases {
		id, action := splitResourcePath(tc.path, "/sessions/")
		if id != tc.id || action != tc.action {
			t.Fatalf("splitResourcePath(%q) = %q, %q", tc.path, id, action)
		}
	}
}

// Package http exposes the attendance engine to the meeting UI and to operators.
//
// The router serves:
//   - POST /sessions: starts a session. Body: {"subject_id","meeting_context"}.
//     Responds 201 with the session, 409 when one is already active and 502 when
//     the remote service refused to create it.
//   - GET /sessions: returns the active session or 409 when none is running.
//   - GET /sessions/{id}: returns a session with its participant summary.
//   - POST /sessions/{id}/end: ends the session, drains the sync queue and reports
//     {"session","drained","abandoned"}.
//   - POST /events: accepts one raw signal or an array of them and answers 202 with
//     {"accepted","suppressed"}.
//   - PUT /roster: replaces the roster. Body: [{"identity_id","display_name"}].
//   - POST /participants/{id}/match: links a participant to an identity. Body:
//     {"identity_id"}.
//   - GET /queue, POST /queue/{id}/retry, DELETE /queue/{id}: sync queue inspection
//     and operator actions.
//   - GET /metrics and GET /healthz.
//
// Request/response DTOs live alongside their respective handlers.
package http

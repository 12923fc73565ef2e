package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/example/attendance-tracker/internal/persistence"
)

const sessionColumns = `id, external_id, subject_id, meeting_context, status, started_at, ended_at`

// SessionRepository implements persistence.SessionRepository using SQLite.
type SessionRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewSessionRepository creates a session repository on pool.
func NewSessionRepository(pool *ConnectionPool) *SessionRepository {
	return &SessionRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// UpsertSession inserts the session or overwrites its mutable fields.
func (r *SessionRepository) UpsertSession(ctx context.Context, session persistence.Session) error {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.SubjectID) == "" {
		return persistence.ErrConstraintViolation
	}

	const query = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			meeting_context = excluded.meeting_context,
			status = excluded.status,
			ended_at = excluded.ended_at`

	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, query,
			session.ID,
			session.ExternalID,
			session.SubjectID,
			session.MeetingContext,
			session.Status,
			formatTime(session.StartedAt),
			formatTimePtr(session.EndedAt),
		)
		return err
	})
}

// GetSession returns the session with id.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	row := r.helper.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return r.scan(row)
}

// GetActiveSession returns the latest ACTIVE session.
func (r *SessionRepository) GetActiveSession(ctx context.Context) (persistence.Session, error) {
	row := r.helper.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'ACTIVE'
		ORDER BY started_at DESC
		LIMIT 1`)
	return r.scan(row)
}

// ListSessions returns every session, newest first.
func (r *SessionRepository) ListSessions(ctx context.Context) ([]persistence.Session, error) {
	rows, err := r.helper.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var sessions []persistence.Session
	for rows.Next() {
		session, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scan(row rowScanner) (persistence.Session, error) {
	var (
		session   persistence.Session
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(
		&session.ID,
		&session.ExternalID,
		&session.SubjectID,
		&session.MeetingContext,
		&session.Status,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Session{}, persistence.ErrNotFound
		}
		return persistence.Session{}, r.mapper.MapError(err)
	}

	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if session.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	return session, nil
}

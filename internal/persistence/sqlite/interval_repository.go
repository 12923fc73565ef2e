package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/attendance-tracker/internal/persistence"
)

// IntervalRepository implements persistence.IntervalRepository using SQLite.
type IntervalRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewIntervalRepository creates an interval repository on pool.
func NewIntervalRepository(pool *ConnectionPool) *IntervalRepository {
	return &IntervalRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// UpsertInterval inserts the interval or updates its identity and close
// time. A second open interval for the same participant is rejected with
// persistence.ErrDuplicate.
func (r *IntervalRepository) UpsertInterval(ctx context.Context, iv persistence.Interval) error {
	if iv.ID == "" || iv.SessionID == "" || iv.ParticipantKey == "" {
		return persistence.ErrConstraintViolation
	}

	const query = `
		INSERT INTO attendance_intervals (id, session_id, participant_key, matched_identity_id, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			matched_identity_id = excluded.matched_identity_id,
			closed_at = excluded.closed_at`

	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, query,
			iv.ID,
			iv.SessionID,
			iv.ParticipantKey,
			nullString(iv.MatchedIdentityID),
			formatTime(iv.OpenedAt),
			formatTimePtr(iv.ClosedAt),
		)
		return err
	})
}

// ListIntervals returns the intervals of sessionID ordered by open time.
func (r *IntervalRepository) ListIntervals(ctx context.Context, sessionID string) ([]persistence.Interval, error) {
	return r.list(ctx, `WHERE session_id = ?`, sessionID)
}

// ListOpenIntervals returns every interval without a close time.
func (r *IntervalRepository) ListOpenIntervals(ctx context.Context) ([]persistence.Interval, error) {
	return r.list(ctx, `WHERE closed_at IS NULL`)
}

func (r *IntervalRepository) list(ctx context.Context, where string, args ...any) ([]persistence.Interval, error) {
	query := `
		SELECT id, session_id, participant_key, matched_identity_id, opened_at, closed_at
		FROM attendance_intervals
		` + where + `
		ORDER BY opened_at, rowid`

	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var intervals []persistence.Interval
	for rows.Next() {
		var (
			iv                persistence.Interval
			matched, closedAt sql.NullString
			openedAt          string
		)
		if err := rows.Scan(&iv.ID, &iv.SessionID, &iv.ParticipantKey, &matched, &openedAt, &closedAt); err != nil {
			return nil, r.mapper.MapError(err)
		}
		iv.MatchedIdentityID = stringPtr(matched)
		if iv.OpenedAt, err = parseTime(openedAt); err != nil {
			return nil, fmt.Errorf("failed to parse opened_at: %w", err)
		}
		if iv.ClosedAt, err = parseTimePtr(closedAt); err != nil {
			return nil, fmt.Errorf("failed to parse closed_at: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return intervals, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/attendance-tracker/internal/persistence"
)

const queueColumns = `id, kind, session_id, session_external_id, payload, attempts, last_attempt_at, last_error, created_at, abandoned_at`

// QueueRepository implements persistence.QueueRepository using SQLite.
type QueueRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewQueueRepository creates a sync queue repository on pool.
func NewQueueRepository(pool *ConnectionPool) *QueueRepository {
	return &QueueRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// InsertQueueItem stores a new item. Reusing an id fails with persistence.ErrDuplicate.
func (r *QueueRepository) InsertQueueItem(ctx context.Context, item persistence.QueueItem) error {
	if item.ID == "" || item.Kind == "" {
		return persistence.ErrConstraintViolation
	}

	const query = `INSERT INTO sync_queue_items (` + queueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, query,
			item.ID,
			item.Kind,
			item.SessionID,
			item.SessionExternalID,
			string(item.Payload),
			item.Attempts,
			formatTimePtr(item.LastAttemptAt),
			nullString(item.LastError),
			formatTime(item.CreatedAt),
			formatTimePtr(item.AbandonedAt),
		)
		return err
	})
}

// UpdateQueueItem overwrites the delivery bookkeeping of an existing item.
func (r *QueueRepository) UpdateQueueItem(ctx context.Context, item persistence.QueueItem) error {
	const query = `
		UPDATE sync_queue_items
		SET attempts = ?, last_attempt_at = ?, last_error = ?, abandoned_at = ?
		WHERE id = ?`

	var affected int64
	err := r.retry.WithRetry(ctx, func() error {
		res, err := r.helper.Exec(ctx, query,
			item.Attempts,
			formatTimePtr(item.LastAttemptAt),
			nullString(item.LastError),
			formatTimePtr(item.AbandonedAt),
			item.ID,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// DeleteQueueItem removes an item.
func (r *QueueRepository) DeleteQueueItem(ctx context.Context, id string) error {
	var affected int64
	err := r.retry.WithRetry(ctx, func() error {
		res, err := r.helper.Exec(ctx, `DELETE FROM sync_queue_items WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// GetQueueItem returns the item with id.
func (r *QueueRepository) GetQueueItem(ctx context.Context, id string) (persistence.QueueItem, error) {
	item, err := r.scan(r.helper.QueryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.QueueItem{}, persistence.ErrNotFound
	}
	return item, err
}

// ListQueueItems returns every item, oldest first.
func (r *QueueRepository) ListQueueItems(ctx context.Context) ([]persistence.QueueItem, error) {
	rows, err := r.helper.Query(ctx, `SELECT `+queueColumns+` FROM sync_queue_items ORDER BY created_at, rowid`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var items []persistence.QueueItem
	for rows.Next() {
		item, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return items, nil
}

func (r *QueueRepository) scan(row rowScanner) (persistence.QueueItem, error) {
	var (
		item                              persistence.QueueItem
		payload, createdAt                string
		lastAttempt, lastError, abandoned sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&item.Kind,
		&item.SessionID,
		&item.SessionExternalID,
		&payload,
		&item.Attempts,
		&lastAttempt,
		&lastError,
		&createdAt,
		&abandoned,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.QueueItem{}, err
		}
		return persistence.QueueItem{}, r.mapper.MapError(err)
	}

	item.Payload = []byte(payload)
	item.LastError = stringPtr(lastError)
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.QueueItem{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if item.LastAttemptAt, err = parseTimePtr(lastAttempt); err != nil {
		return persistence.QueueItem{}, fmt.Errorf("failed to parse last_attempt_at: %w", err)
	}
	if item.AbandonedAt, err = parseTimePtr(abandoned); err != nil {
		return persistence.QueueItem{}, fmt.Errorf("failed to parse abandoned_at: %w", err)
	}
	return item, nil
}

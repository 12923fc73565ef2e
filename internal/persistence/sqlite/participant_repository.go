package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/attendance-tracker/internal/persistence"
)

// ParticipantRepository implements persistence.ParticipantRepository using SQLite.
type ParticipantRepository struct {
	helper *QueryHelper
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewParticipantRepository creates a participant repository on pool.
func NewParticipantRepository(pool *ConnectionPool) *ParticipantRepository {
	return &ParticipantRepository{
		helper: NewQueryHelper(pool),
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// UpsertParticipant inserts the participant or refreshes everything except
// its identity, session, key and first sighting.
func (r *ParticipantRepository) UpsertParticipant(ctx context.Context, p persistence.Participant) error {
	if p.ID == "" || p.SessionID == "" || strings.TrimSpace(p.ParticipantKey) == "" {
		return persistence.ErrConstraintViolation
	}

	counts := p.Participation
	if counts == nil {
		counts = map[string]int{}
	}
	participation, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode participation: %w", err)
	}
	method := p.MatchMethod
	if method == "" {
		method = "none"
	}

	const query = `
		INSERT INTO participants (
			id, session_id, participant_key, observed_name, last_transient_id,
			matched_identity_id, match_confidence, match_method,
			first_seen_at, last_seen_at, last_signal_at, participation
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			observed_name = excluded.observed_name,
			last_transient_id = excluded.last_transient_id,
			matched_identity_id = excluded.matched_identity_id,
			match_confidence = excluded.match_confidence,
			match_method = excluded.match_method,
			last_seen_at = excluded.last_seen_at,
			last_signal_at = excluded.last_signal_at,
			participation = excluded.participation`

	return r.retry.WithRetry(ctx, func() error {
		_, err := r.helper.Exec(ctx, query,
			p.ID,
			p.SessionID,
			p.ParticipantKey,
			p.ObservedName,
			p.LastTransientID,
			nullString(p.MatchedIdentityID),
			p.MatchConfidence,
			method,
			formatTime(p.FirstSeenAt),
			formatTimePtr(p.LastSeenAt),
			formatTime(p.LastSignalAt),
			string(participation),
		)
		return err
	})
}

// ListParticipants returns the participants of sessionID in arrival order.
func (r *ParticipantRepository) ListParticipants(ctx context.Context, sessionID string) ([]persistence.Participant, error) {
	const query = `
		SELECT id, session_id, participant_key, observed_name, last_transient_id,
			matched_identity_id, match_confidence, match_method,
			first_seen_at, last_seen_at, last_signal_at, participation
		FROM participants
		WHERE session_id = ?
		ORDER BY first_seen_at, rowid`

	rows, err := r.helper.Query(ctx, query, sessionID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var participants []persistence.Participant
	for rows.Next() {
		var (
			p                                      persistence.Participant
			matched, lastSeen                      sql.NullString
			firstSeen, lastSignal, participationJS string
		)
		if err := rows.Scan(
			&p.ID,
			&p.SessionID,
			&p.ParticipantKey,
			&p.ObservedName,
			&p.LastTransientID,
			&matched,
			&p.MatchConfidence,
			&p.MatchMethod,
			&firstSeen,
			&lastSeen,
			&lastSignal,
			&participationJS,
		); err != nil {
			return nil, r.mapper.MapError(err)
		}

		p.MatchedIdentityID = stringPtr(matched)
		if p.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return nil, fmt.Errorf("failed to parse first_seen_at: %w", err)
		}
		if p.LastSeenAt, err = parseTimePtr(lastSeen); err != nil {
			return nil, fmt.Errorf("failed to parse last_seen_at: %w", err)
		}
		if p.LastSignalAt, err = parseTime(lastSignal); err != nil {
			return nil, fmt.Errorf("failed to parse last_signal_at: %w", err)
		}
		if err := json.Unmarshal([]byte(participationJS), &p.Participation); err != nil {
			return nil, fmt.Errorf("failed to decode participation for %s: %w", p.ID, err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return participants, nil
}

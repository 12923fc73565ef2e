package application

import (
	"encoding/json"
	"maps"
	"time"
)

func joinFact(session Session, p Participant, iv AttendanceInterval, transientID string) Fact {
	return presenceFact(FactJoin, session, presencePayload{
		SessionID:       session.ID,
		ParticipantName: p.ObservedName,
		ParticipantKey:  p.Key,
		TransientID:     transientID,
		IdentityID:      p.MatchedIdentityID,
		MatchMethod:     string(p.MatchMethod),
		MatchConfidence: p.MatchConfidence,
		JoinedAt:        iv.OpenedAt,
	})
}

func leaveFact(session Session, p Participant, iv AttendanceInterval, transientID string) Fact {
	duration := int64(iv.Duration() / time.Second)
	return presenceFact(FactLeave, session, presencePayload{
		SessionID:       session.ID,
		ParticipantName: p.ObservedName,
		ParticipantKey:  p.Key,
		TransientID:     transientID,
		IdentityID:      p.MatchedIdentityID,
		MatchMethod:     string(p.MatchMethod),
		MatchConfidence: p.MatchConfidence,
		JoinedAt:        iv.OpenedAt,
		LeftAt:          iv.ClosedAt,
		DurationSeconds: &duration,
	})
}

func presenceFact(kind FactKind, session Session, payload presencePayload) Fact {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Fact{}
	}
	return Fact{Kind: kind, SessionID: session.ID, SessionExternalID: session.ExternalID, Payload: raw}
}

// buildEndFacts assembles the per-participant totals sent when a session ends.
// Callers hold the service mutex.
func buildEndFacts(st *sessionState) []Fact {
	session := st.session
	endedAt := session.StartedAt
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}

	attendance := attendanceBatchPayload{
		SessionID:  session.ID,
		ExternalID: session.ExternalID,
		SubjectID:  session.SubjectID,
		StartedAt:  session.StartedAt,
		EndedAt:    endedAt,
		Records:    make([]attendanceRecord, 0, len(st.order)),
	}
	participation := participationBatchPayload{
		SessionID: session.ID,
		Records:   make([]participationRecord, 0, len(st.order)),
	}

	for _, p := range st.order {
		record := attendanceRecord{
			ParticipantName: p.ObservedName,
			IdentityID:      cloneString(p.MatchedIdentityID),
			MatchMethod:     string(p.MatchMethod),
			MatchConfidence: p.MatchConfidence,
			Intervals:       []intervalPayload{},
		}
		var total time.Duration
		for _, iv := range st.intervalsFor(p.Key) {
			if iv.ClosedAt == nil {
				continue
			}
			record.Intervals = append(record.Intervals, intervalPayload{OpenedAt: iv.OpenedAt, ClosedAt: *iv.ClosedAt})
			total += iv.Duration()
		}
		record.TotalSeconds = int64(total / time.Second)
		attendance.Records = append(attendance.Records, record)
		attendance.Attendees++
		if p.MatchedIdentityID == nil {
			attendance.Unmatched++
		}

		counts := maps.Clone(p.Participation)
		if counts == nil {
			counts = map[string]int{}
		}
		participation.Records = append(participation.Records, participationRecord{
			ParticipantName: p.ObservedName,
			IdentityID:      cloneString(p.MatchedIdentityID),
			Counts:          counts,
		})
	}

	facts := make([]Fact, 0, 2)
	if raw, err := json.Marshal(attendance); err == nil {
		facts = append(facts, Fact{Kind: FactAttendanceBatch, SessionID: session.ID, SessionExternalID: session.ExternalID, Payload: raw})
	}
	if raw, err := json.Marshal(participation); err == nil {
		facts = append(facts, Fact{Kind: FactParticipationBatch, SessionID: session.ID, SessionExternalID: session.ExternalID, Payload: raw})
	}
	return facts
}

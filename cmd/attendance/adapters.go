package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/matching"
	"github.com/example/attendance-tracker/internal/persistence"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

type attendanceStore interface {
	persistence.SessionRepository
	persistence.ParticipantRepository
	persistence.IntervalRepository
}

type attendanceRepositoryAdapter struct {
	repo attendanceStore
}

func newAttendanceRepositoryAdapter(repo attendanceStore) *attendanceRepositoryAdapter {
	return &attendanceRepositoryAdapter{repo: repo}
}

func (a *attendanceRepositoryAdapter) SaveSession(ctx context.Context, session application.Session) error {
	return a.repo.UpsertSession(ctx, toPersistenceSession(session))
}

func (a *attendanceRepositoryAdapter) SaveParticipant(ctx context.Context, participant application.Participant) error {
	return a.repo.UpsertParticipant(ctx, toPersistenceParticipant(participant))
}

func (a *attendanceRepositoryAdapter) SaveInterval(ctx context.Context, interval application.AttendanceInterval) error {
	return a.repo.UpsertInterval(ctx, toPersistenceInterval(interval))
}

func (a *attendanceRepositoryAdapter) LoadActiveSession(ctx context.Context) (application.Session, error) {
	stored, err := a.repo.GetActiveSession(ctx)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return application.Session{}, application.ErrNotFound
		}
		return application.Session{}, err
	}
	return toApplicationSession(stored), nil
}

func (a *attendanceRepositoryAdapter) ListParticipants(ctx context.Context, sessionID string) ([]application.Participant, error) {
	models, err := a.repo.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants := make([]application.Participant, 0, len(models))
	for _, model := range models {
		p, err := toApplicationParticipant(model)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, nil
}

func (a *attendanceRepositoryAdapter) ListIntervals(ctx context.Context, sessionID string) ([]application.AttendanceInterval, error) {
	models, err := a.repo.ListIntervals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	intervals := make([]application.AttendanceInterval, 0, len(models))
	for _, model := range models {
		intervals = append(intervals, toApplicationInterval(model))
	}
	return intervals, nil
}

type queueStoreAdapter struct {
	repo persistence.QueueRepository
}

func newQueueStoreAdapter(repo persistence.QueueRepository) *queueStoreAdapter {
	return &queueStoreAdapter{repo: repo}
}

func (a *queueStoreAdapter) InsertItem(ctx context.Context, item syncqueue.Item) error {
	return a.repo.InsertQueueItem(ctx, toPersistenceQueueItem(item))
}

func (a *queueStoreAdapter) UpdateItem(ctx context.Context, item syncqueue.Item) error {
	return mapQueueError(a.repo.UpdateQueueItem(ctx, toPersistenceQueueItem(item)))
}

func (a *queueStoreAdapter) DeleteItem(ctx context.Context, id string) error {
	return mapQueueError(a.repo.DeleteQueueItem(ctx, id))
}

func (a *queueStoreAdapter) GetItem(ctx context.Context, id string) (syncqueue.Item, error) {
	stored, err := a.repo.GetQueueItem(ctx, id)
	if err != nil {
		return syncqueue.Item{}, mapQueueError(err)
	}
	return toSyncQueueItem(stored), nil
}

func (a *queueStoreAdapter) ListItems(ctx context.Context) ([]syncqueue.Item, error) {
	models, err := a.repo.ListQueueItems(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]syncqueue.Item, 0, len(models))
	for _, model := range models {
		items = append(items, toSyncQueueItem(model))
	}
	return items, nil
}

func mapQueueError(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %w", syncqueue.ErrItemNotFound, err)
	}
	return err
}

func toPersistenceSession(session application.Session) persistence.Session {
	return persistence.Session{
		ID:             session.ID,
		ExternalID:     session.ExternalID,
		SubjectID:      session.SubjectID,
		MeetingContext: session.MeetingContext,
		Status:         string(session.Status),
		StartedAt:      session.StartedAt,
		EndedAt:        cloneTime(session.EndedAt),
	}
}

func toApplicationSession(model persistence.Session) application.Session {
	return application.Session{
		ID:             model.ID,
		ExternalID:     model.ExternalID,
		SubjectID:      model.SubjectID,
		MeetingContext: model.MeetingContext,
		Status:         application.SessionStatus(model.Status),
		StartedAt:      model.StartedAt,
		EndedAt:        cloneTime(model.EndedAt),
	}
}

func toPersistenceParticipant(p application.Participant) persistence.Participant {
	return persistence.Participant{
		ID:                p.ID,
		SessionID:         p.SessionID,
		ParticipantKey:    p.Key,
		ObservedName:      p.ObservedName,
		LastTransientID:   p.LastTransientID,
		MatchedIdentityID: cloneString(p.MatchedIdentityID),
		MatchConfidence:   p.MatchConfidence,
		MatchMethod:       string(p.MatchMethod),
		FirstSeenAt:       p.FirstSeenAt,
		LastSeenAt:        cloneTime(p.LastSeenAt),
		LastSignalAt:      p.LastSignalAt,
		Participation:     maps.Clone(p.Participation),
	}
}

func toApplicationParticipant(model persistence.Participant) (application.Participant, error) {
	method := matching.Method(model.MatchMethod)
	if !method.Valid() {
		return application.Participant{}, fmt.Errorf("participant %s: unknown match method %q", model.ID, model.MatchMethod)
	}
	return application.Participant{
		ID:                model.ID,
		SessionID:         model.SessionID,
		Key:               model.ParticipantKey,
		ObservedName:      model.ObservedName,
		LastTransientID:   model.LastTransientID,
		MatchedIdentityID: cloneString(model.MatchedIdentityID),
		MatchConfidence:   model.MatchConfidence,
		MatchMethod:       method,
		FirstSeenAt:       model.FirstSeenAt,
		LastSeenAt:        cloneTime(model.LastSeenAt),
		LastSignalAt:      model.LastSignalAt,
		Participation:     maps.Clone(model.Participation),
	}, nil
}

func toPersistenceInterval(iv application.AttendanceInterval) persistence.Interval {
	return persistence.Interval{
		ID:                iv.ID,
		SessionID:         iv.SessionID,
		ParticipantKey:    iv.ParticipantKey,
		MatchedIdentityID: cloneString(iv.MatchedIdentityID),
		OpenedAt:          iv.OpenedAt,
		ClosedAt:          cloneTime(iv.ClosedAt),
	}
}

func toApplicationInterval(model persistence.Interval) application.AttendanceInterval {
	return application.AttendanceInterval{
		ID:                model.ID,
		SessionID:         model.SessionID,
		ParticipantKey:    model.ParticipantKey,
		MatchedIdentityID: cloneString(model.MatchedIdentityID),
		OpenedAt:          model.OpenedAt,
		ClosedAt:          cloneTime(model.ClosedAt),
	}
}

func toPersistenceQueueItem(item syncqueue.Item) persistence.QueueItem {
	return persistence.QueueItem{
		ID:                item.ID,
		Kind:              item.Kind,
		SessionID:         item.SessionID,
		SessionExternalID: item.SessionExternalID,
		Payload:           append([]byte(nil), item.Payload...),
		Attempts:          item.Attempts,
		LastAttemptAt:     cloneTime(item.LastAttemptAt),
		LastError:         cloneString(item.LastError),
		CreatedAt:         item.CreatedAt,
		AbandonedAt:       cloneTime(item.AbandonedAt),
	}
}

func toSyncQueueItem(model persistence.QueueItem) syncqueue.Item {
	return syncqueue.Item{
		ID:                model.ID,
		Kind:              model.Kind,
		SessionID:         model.SessionID,
		SessionExternalID: model.SessionExternalID,
		Payload:           append([]byte(nil), model.Payload...),
		Attempts:          model.Attempts,
		LastAttemptAt:     cloneTime(model.LastAttemptAt),
		LastError:         cloneString(model.LastError),
		CreatedAt:         model.CreatedAt,
		AbandonedAt:       cloneTime(model.AbandonedAt),
	}
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

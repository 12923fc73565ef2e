// Package engine coordinates ingestion, the attendance state machine and the
// sync queue behind one entry point.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/ingest"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

// SessionEnder notifies the remote service that a session ended.
type SessionEnder interface {
	EndSession(ctx context.Context, externalID string, endedAt time.Time) error
}

// Options configures an Engine.
type Options struct {
	Dedup      ingest.Options
	DrainGrace time.Duration
	Ender      SessionEnder
	Scheduler  *syncqueue.Scheduler
	Logger     *slog.Logger
}

// EndResult reports what happened while ending a session.
type EndResult struct {
	Session   application.Session
	Drained   bool
	Abandoned int
}

// Engine is the single entry point used by the HTTP and CLI surfaces.
type Engine struct {
	service    *application.AttendanceService
	queue      *syncqueue.Queue
	dedup      *ingest.Deduplicator
	ender      SessionEnder
	scheduler  *syncqueue.Scheduler
	drainGrace time.Duration
	logger     *slog.Logger
}

// New wires the deduplicator in front of service.
func New(service *application.AttendanceService, queue *syncqueue.Queue, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		service:    service,
		queue:      queue,
		ender:      opts.Ender,
		scheduler:  opts.Scheduler,
		drainGrace: opts.DrainGrace,
		logger:     logger.With("component", "engine"),
	}
	if opts.Dedup.Logger == nil {
		opts.Dedup.Logger = logger
	}
	e.dedup = ingest.NewDeduplicator(ingest.HandlerFunc(e.route), opts.Dedup)
	return e
}

// Service exposes the state machine for read operations.
func (e *Engine) Service() *application.AttendanceService {
	return e.service
}

// Queue exposes the sync queue for operator actions.
func (e *Engine) Queue() *syncqueue.Queue {
	return e.queue
}

// Submit feeds one raw signal into the pipeline. It reports whether the
// signal survived deduplication.
func (e *Engine) Submit(ctx context.Context, ev ingest.Event) bool {
	return e.dedup.Submit(ctx, ev)
}

func (e *Engine) route(ctx context.Context, ev ingest.Event) {
	presence := application.Presence{
		Name:             ev.Name(),
		TransientID:      ev.ParticipantID,
		SessionContextID: ev.SessionContextID,
		Kind:             string(ev.Type),
		At:               ev.Timestamp,
	}

	var err error
	switch ev.Type {
	case ingest.EventJoin:
		_, err = e.service.RecordJoin(ctx, presence)
	case ingest.EventLeave:
		_, err = e.service.RecordLeave(ctx, presence)
	default:
		err = e.service.RecordParticipation(ctx, presence)
	}

	switch {
	case err == nil:
	case errors.Is(err, application.ErrNoActiveSession):
		e.logger.DebugContext(ctx, "dropping signal without an active session", "type", string(ev.Type))
	default:
		e.logger.ErrorContext(ctx, "failed to apply signal", "type", string(ev.Type), "error", err)
	}
}

// StartSession starts a new session.
func (e *Engine) StartSession(ctx context.Context, params application.StartSessionParams) (application.Session, error) {
	return e.service.StartSession(ctx, params)
}

// EndSession flushes pending signals, ends the session locally, gives the
// queue a bounded final pass, notifies the remote service and flags whatever
// is still undelivered for the session as abandoned.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (EndResult, error) {
	e.dedup.Flush()

	session, err := e.service.EndSession(ctx, sessionID)
	if err != nil {
		return EndResult{}, err
	}
	result := EndResult{Session: session}

	if e.queue != nil {
		result.Drained = e.queue.Drain(ctx, e.drainGrace)
	}

	if e.ender != nil && session.ExternalID != "" && session.EndedAt != nil {
		if err := e.ender.EndSession(ctx, session.ExternalID, *session.EndedAt); err != nil {
			e.logger.WarnContext(ctx, "remote end session failed", "session_id", session.ID, "error", err)
		}
	}

	if e.queue != nil {
		abandoned, err := e.queue.AbandonSession(ctx, session.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to flag undelivered items", "session_id", session.ID, "error", err)
		}
		result.Abandoned = abandoned
	}
	return result, nil
}

// Run starts the periodic queue pass and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.scheduler != nil {
		if err := e.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if e.queue != nil {
		e.queue.Trigger(ctx)
	}
	<-ctx.Done()
	return nil
}

// Shutdown flushes batched signals and stops background work. The active
// session stays open so it can be restored on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.dedup.Close()
	var err error
	if e.scheduler != nil {
		err = e.scheduler.Stop()
	}
	if e.queue != nil {
		done := make(chan struct{})
		go func() {
			e.queue.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

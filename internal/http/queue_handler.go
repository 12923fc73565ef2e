package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/attendance-tracker/internal/syncqueue"
)

type queueOperator interface {
	List(ctx context.Context) ([]syncqueue.Item, error)
	Status(ctx context.Context) (syncqueue.Status, error)
	RetryItem(ctx context.Context, id string) (syncqueue.Item, error)
	Remove(ctx context.Context, id string) error
	Config() syncqueue.Config
}

// QueueHandler exposes the sync queue to operators.
type QueueHandler struct {
	queue     queueOperator
	responder responder
	logger    *slog.Logger
}

func NewQueueHandler(queue queueOperator, logger *slog.Logger) *QueueHandler {
	base := defaultLogger(logger)
	return &QueueHandler{
		queue:     queue,
		responder: newResponder(base),
		logger:    base,
	}
}

func (h *QueueHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "QueueHandler", operation, attrs...)
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.log(ctx, "List")

	status, err := h.queue.Status(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read queue status", "error", err)
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	items, err := h.queue.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list queue items", "error", err)
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	maxAttempts := h.queue.Config().MaxAttempts
	resp := queueListResponse{
		Status: queueStatusDTO{
			Total:     status.Total,
			Pending:   status.Pending,
			Retrying:  status.Retrying,
			Failed:    status.Failed,
			Abandoned: status.Abandoned,
		},
		Items: make([]queueItemDTO, 0, len(items)),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, toQueueItemDTO(item, maxAttempts))
	}
	h.responder.writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := PathIDFromContext(ctx)
	if !ok {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errInvalidItemID)
		return
	}
	logger := h.log(ctx, "Retry", "item_id", id)

	item, err := h.queue.RetryItem(ctx, id)
	if err != nil {
		logger.WarnContext(ctx, "failed to retry item", "error", err)
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	logger.InfoContext(ctx, "queue item reset for retry")
	h.responder.writeJSON(ctx, w, http.StatusOK, toQueueItemDTO(item, h.queue.Config().MaxAttempts))
}

func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := PathIDFromContext(ctx)
	if !ok {
		h.responder.writeError(ctx, w, http.StatusBadRequest, errInvalidItemID)
		return
	}
	logger := h.log(ctx, "Remove", "item_id", id)

	if err := h.queue.Remove(ctx, id); err != nil {
		logger.WarnContext(ctx, "failed to remove item", "error", err)
		h.responder.handleServiceError(ctx, w, err)
		return
	}

	logger.InfoContext(ctx, "queue item removed")
	h.responder.writeJSON(ctx, w, http.StatusNoContent, nil)
}

type queueStatusDTO struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

type queueItemDTO struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	SessionID     string     `json:"session_id"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AbandonedAt   *time.Time `json:"abandoned_at,omitempty"`
}

type queueListResponse struct {
	Status queueStatusDTO `json:"status"`
	Items  []queueItemDTO `json:"items"`
}

func toQueueItemDTO(item syncqueue.Item, maxAttempts int) queueItemDTO {
	return queueItemDTO{
		ID:            item.ID,
		Kind:          item.Kind,
		SessionID:     item.SessionID,
		State:         string(item.State(maxAttempts)),
		Attempts:      item.Attempts,
		LastAttemptAt: item.LastAttemptAt,
		LastError:     item.LastError,
		CreatedAt:     item.CreatedAt,
		AbandonedAt:   item.AbandonedAt,
	}
}

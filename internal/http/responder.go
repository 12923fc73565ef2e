package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

var (
	errBadRequestBody    = errors.New("無効なリクエスト形式です。")
	errInvalidSessionID  = errors.New("無効なセッション ID です。")
	errInvalidItemID     = errors.New("無効なキュー項目 ID です。")
	errInvalidParticipID = errors.New("無効な参加者 ID です。")
	errMissingAPIKey     = errors.New("API キーを指定してください。")
	errInvalidAPIKey     = errors.New("API キーが正しくありません。")
)

// maxBodyBytes bounds request bodies; event bursts are the largest payloads.
const maxBodyBytes = 1 << 20

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).WarnContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	switch {
	case errors.Is(err, application.ErrNotFound), errors.Is(err, syncqueue.ErrItemNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "指定されたリソースが見つかりません。"})
	case errors.Is(err, application.ErrAlreadyActive):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "SESSION_ACTIVE", Message: "すでに進行中のセッションがあります。"})
	case errors.Is(err, application.ErrAlreadyEnded):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "SESSION_ENDED", Message: "セッションはすでに終了しています。"})
	case errors.Is(err, application.ErrNoActiveSession):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "NO_ACTIVE_SESSION", Message: "進行中のセッションがありません。"})
	case errors.Is(err, application.ErrUnknownIdentity):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			Message: "入力内容に誤りがあります。",
			Errors:  map[string]string{"identity_id": "名簿に存在しない ID です。"},
		})
	case errors.Is(err, application.ErrStartFailed):
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{ErrorCode: "REMOTE_START_FAILED", Message: "リモートサービスでセッションを作成できませんでした。"})
	default:
		var vErr *application.ValidationError
		if errors.As(err, &vErr) {
			r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
				Message: "入力内容に誤りがあります。",
				Errors:  localizeValidationErrors(vErr),
			})
			return
		}

		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "サーバー内部でエラーが発生しました。"})
	}
}

func (r responder) decode(w http.ResponseWriter, req *http.Request, dst any) error {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	return json.NewDecoder(body).Decode(dst)
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "リクエスト内容が正しくありません。"
	case http.StatusUnauthorized:
		return "認証が必要です。"
	case http.StatusNotFound:
		return "指定されたリソースが見つかりません。"
	case http.StatusConflict:
		return "要求はリソースの現在の状態と競合しています。"
	case http.StatusUnprocessableEntity:
		return "入力内容に誤りがあります。"
	case http.StatusServiceUnavailable:
		return "サービスを利用できません。"
	default:
		return "サーバー内部でエラーが発生しました。"
	}
}

func localizeValidationErrors(vErr *application.ValidationError) map[string]string {
	if vErr == nil || len(vErr.FieldErrors) == 0 {
		return nil
	}

	translated := make(map[string]string, len(vErr.FieldErrors))
	for field, msg := range vErr.FieldErrors {
		translated[field] = translateValidationMessage(msg)
	}
	return translated
}

func translateValidationMessage(message string) string {
	switch message {
	case "subject_id is required":
		return "科目 ID は必須です。"
	case "identity_id is required":
		return "名簿 ID は必須です。"
	default:
		return message
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}

package http

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/blake2b"

	"github.com/example/attendance-tracker/internal/apikey"
)

const (
	apiKeyHeader       = "X-API-Key"
	verifiedKeyTTL     = 10 * time.Minute
	verifiedKeyCleanup = 30 * time.Minute
)

// RequireAPIKey rejects requests whose X-API-Key does not match the argon2id
// hash. /healthz and /metrics stay open for probes and scrapers. Keys that
// verified once are remembered by digest so argon2 runs at most once per key
// and TTL.
func RequireAPIKey(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)
	verified := cache.New(verifiedKeyTTL, verifiedKeyCleanup)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
			if key == "" {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingAPIKey)
				return
			}

			digest := keyDigest(key)
			if _, ok := verified.Get(digest); !ok {
				if err := apikey.Verify(hash, key); err != nil {
					responder.loggerFor(r.Context()).WarnContext(r.Context(), "api key rejected", "error", err)
					responder.writeError(r.Context(), w, http.StatusUnauthorized, errInvalidAPIKey)
					return
				}
				verified.SetDefault(digest, struct{}{})
			}

			next.ServeHTTP(w, r)
		})
	}
}

func keyDigest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if id == "" {
				id = uuid.NewString()
			}
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := ContextWithLogger(r.Context(), logger)
			ctx = context.WithValue(ctx, requestIDContextKey, id)
			w.Header().Set("X-Request-ID", id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			logger.InfoContext(ctx, "request started")
			next.ServeHTTP(rec, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "status", rec.status, "duration", time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

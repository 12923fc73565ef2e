// Package remote talks to the attendance backend that owns sessions and
// receives attendance facts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRate    = 10.0

	maxErrorBody = 4 << 10
)

// ErrNoExternalID is returned when a fact refers to a session the remote
// service never acknowledged.
var ErrNoExternalID = errors.New("remote: session has no external id")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s %s returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("remote: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSecond caps outgoing requests. Zero uses DefaultRate; negative disables limiting.
	RatePerSecond float64
}

// Client is an HTTP client for the remote attendance service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient validates cfg and builds a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	switch {
	case cfg.RatePerSecond == 0:
		limiter = rate.NewLimiter(rate.Limit(DefaultRate), int(DefaultRate*2))
	case cfg.RatePerSecond > 0:
		burst := int(cfg.RatePerSecond * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.With("component", "remote"),
	}, nil
}

type createSessionRequest struct {
	SubjectID      string `json:"subject_id"`
	MeetingContext string `json:"meeting_context,omitempty"`
}

type createSessionResponse struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// CreateSession implements application.SessionRegistrar.
func (c *Client) CreateSession(ctx context.Context, subjectID, meetingContext string) (application.RemoteSession, error) {
	var resp createSessionResponse
	body, err := c.doRequest(ctx, http.MethodPost, "/sessions", createSessionRequest{SubjectID: subjectID, MeetingContext: meetingContext})
	if err != nil {
		return application.RemoteSession{}, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return application.RemoteSession{}, fmt.Errorf("remote: decode session response: %w", err)
	}
	if resp.ID == "" {
		return application.RemoteSession{}, fmt.Errorf("remote: session response carried no id")
	}
	return application.RemoteSession{ExternalID: resp.ID, StartedAt: resp.StartedAt}, nil
}

type endSessionRequest struct {
	EndedAt time.Time `json:"ended_at"`
}

// EndSession tells the remote service the session is over.
func (c *Client) EndSession(ctx context.Context, externalID string, endedAt time.Time) error {
	if externalID == "" {
		return ErrNoExternalID
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(externalID)+"/end", endSessionRequest{EndedAt: endedAt.UTC()})
	return err
}

// Send implements syncqueue.Sender by posting the item payload to the
// endpoint for its kind.
func (c *Client) Send(ctx context.Context, item syncqueue.Item) error {
	if item.SessionExternalID == "" {
		return ErrNoExternalID
	}
	path, err := factPath(item.Kind)
	if err != nil {
		return err
	}
	payload := item.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/sessions/"+url.PathEscape(item.SessionExternalID)+path, payload)
	return err
}

func factPath(kind string) (string, error) {
	switch application.FactKind(kind) {
	case application.FactJoin:
		return "/attendance/join", nil
	case application.FactLeave:
		return "/attendance/leave", nil
	case application.FactAttendanceBatch:
		return "/attendance/batch", nil
	case application.FactParticipationBatch:
		return "/participation/batch", nil
	default:
		return "", fmt.Errorf("remote: unknown fact kind %q", kind)
	}
}

// doRequest performs a JSON request and returns the body of a 2xx response.
// Other statuses produce a *StatusError.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("remote: rate limit wait: %w", err)
		}
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("remote: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to read response body: %w", err)
	}
	c.logger.DebugContext(ctx, "remote request", "method", method, "path", path, "status", response.StatusCode, "duration", time.Since(started))

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	if len(responseBody) > maxErrorBody {
		responseBody = responseBody[:maxErrorBody]
	}
	return nil, &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: response.StatusCode,
		Body:       strings.TrimSpace(string(responseBody)),
	}
}

var (
	_ application.SessionRegistrar = (*Client)(nil)
	_ syncqueue.Sender             = (*Client)(nil)
)

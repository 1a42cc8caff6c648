// ABOUTME: Client-side transport interface implemented by the HTTP/SSE and native frame clients
// ABOUTME: Also holds the error type and request paths both clients share

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/stream"
)

// Transport is a connection to a running gateway. Implementations are safe
// for concurrent use.
type Transport interface {
	Health(ctx context.Context) (*api.Health, error)
	ListModels(ctx context.Context) (*api.ModelList, error)

	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error)
	GetSession(ctx context.Context, id string) (*api.Session, error)
	ListSessions(ctx context.Context, req api.ListSessionsRequest) (*api.SessionList, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	ResumeSession(ctx context.Context, id string) (*api.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) (*api.Session, error)
	ListMessages(ctx context.Context, id string) (*api.MessageList, error)

	// SendMessage blocks until the full reply is stored and returns it.
	SendMessage(ctx context.Context, id string, req api.ChatRequest) (*api.Message, error)

	// StreamMessage delivers each event of one streamed reply to onEvent in
	// order and returns once the stream is done. Cancelling ctx aborts the
	// stream on the gateway.
	StreamMessage(ctx context.Context, id string, req api.ChatRequest, onEvent func(stream.Event)) error

	// Abort stops the session's running chat and reports whether one ran.
	Abort(ctx context.Context, id string) (bool, error)

	Close() error
}

var (
	// ErrNotFound matches a StatusError for a missing session or message.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches a StatusError for a chat rejected because another
	// one is running, or one that was aborted.
	ErrConflict = errors.New("conflict")

	// ErrInvalid matches a StatusError for a rejected request.
	ErrInvalid = errors.New("invalid request")
)

// StatusError is a non-success reply from the gateway.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// Is lets errors.Is match StatusErrors against ErrNotFound, ErrConflict and
// ErrInvalid.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrInvalid:
		return e.Status == http.StatusBadRequest
	}
	return false
}

// Request paths.
const (
	HealthPath   = "/health"
	ModelsPath   = "/api/models"
	SessionsPath = "/api/sessions"
)

// SessionPath returns /api/sessions/{id} followed by any further segments.
func SessionPath(id string, rest ...string) string {
	p := SessionsPath + "/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ListSessionsQuery encodes a list request as a query string, including
// the leading "?" when non-empty.
func ListSessionsQuery(req api.ListSessionsRequest) string {
	q := url.Values{}
	if req.Type != "" {
		q.Set("type", req.Type)
	}
	if req.Status != "" {
		q.Set("status", req.Status)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

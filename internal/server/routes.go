// ABOUTME: Method+path table shared by the HTTP router and the native frame host
// ABOUTME: Each endpoint decodes its call, invokes the gateway, and returns a status and body

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/gateway"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
)

// Route patterns. Both transports resolve method+path against these.
const (
	patternHealth     = "/health"
	patternModels     = "/api/models"
	patternSessions   = "/api/sessions"
	patternSession    = "/api/sessions/{id}"
	patternResume     = "/api/sessions/{id}/resume"
	patternMessages   = "/api/sessions/{id}/messages"
	patternMessage    = "/api/sessions/{id}/messages/{messageId}"
	patternChat       = "/api/sessions/{id}/chat"
	patternChatStream = "/api/sessions/{id}/chat/stream"
	patternAbort      = "/api/sessions/{id}/abort"
	patternWebSocket  = "/ws/native"
)

// call is one transport-independent request.
type call struct {
	param func(name string) string
	query url.Values
	body  []byte
	mode  string
}

// decode unmarshals the body into v. An empty body leaves v untouched.
func (c call) decode(v any) error {
	if len(c.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.body, v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", gateway.ErrInvalidRequest, err)
	}
	return nil
}

// intQuery parses a non-negative integer query parameter; missing means 0.
func (c call) intQuery(name string) (int, error) {
	raw := c.query.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", gateway.ErrInvalidRequest, name)
	}
	return n, nil
}

type endpoint func(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error)

type route struct {
	method  string
	pattern string
	handle  endpoint
}

// routes lists every request/response endpoint. The streaming chat and the
// WebSocket upgrade are transport-specific and registered separately.
func routes() []route {
	return []route{
		{http.MethodGet, patternHealth, handleHealth},
		{http.MethodGet, patternModels, handleModels},
		{http.MethodPost, patternSessions, handleCreateSession},
		{http.MethodGet, patternSessions, handleListSessions},
		{http.MethodGet, patternSession, handleGetSession},
		{http.MethodDelete, patternSession, handleDeleteSession},
		{http.MethodPatch, patternSession, handleUpdateSession},
		{http.MethodPost, patternResume, handleResumeSession},
		{http.MethodGet, patternMessages, handleListMessages},
		{http.MethodPatch, patternMessage, handleCorrectMessage},
		{http.MethodPost, patternChat, handleChat},
		{http.MethodPost, patternAbort, handleAbort},
	}
}

func handleHealth(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	h := gw.Health(ctx, c.mode)
	if h.Status != api.StatusOK {
		return http.StatusServiceUnavailable, h, nil
	}
	return http.StatusOK, h, nil
}

func handleModels(_ context.Context, gw *gateway.Gateway, _ call) (int, any, error) {
	return http.StatusOK, gw.ListModels(), nil
}

func handleCreateSession(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	var req api.CreateSessionRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	sess, err := gw.CreateSession(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, sess, nil
}

func handleListSessions(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	limit, err := c.intQuery("limit")
	if err != nil {
		return 0, nil, err
	}
	offset, err := c.intQuery("offset")
	if err != nil {
		return 0, nil, err
	}
	list, err := gw.ListSessions(ctx, api.ListSessionsRequest{
		Type:   c.query.Get("type"),
		Status: c.query.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, list, nil
}

func handleGetSession(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	sess, err := gw.GetSession(ctx, c.param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sess, nil
}

func handleDeleteSession(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	deleted, err := gw.DeleteSession(ctx, c.param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, api.DeleteResponse{Deleted: deleted}, nil
}

func handleUpdateSession(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	var req api.UpdateSessionRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	sess, err := gw.UpdateSessionStatus(ctx, c.param("id"), req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sess, nil
}

func handleResumeSession(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	sess, err := gw.ResumeSession(ctx, c.param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sess, nil
}

func handleListMessages(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	limit, err := c.intQuery("limit")
	if err != nil {
		return 0, nil, err
	}
	offset, err := c.intQuery("offset")
	if err != nil {
		return 0, nil, err
	}
	list, err := gw.ListMessages(ctx, c.param("id"), limit, offset)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, list, nil
}

func handleCorrectMessage(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	var req api.CorrectMessageRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	msg, err := gw.CorrectMessage(ctx, c.param("id"), c.param("messageId"), req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, msg, nil
}

func handleChat(ctx context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	var req api.ChatRequest
	if err := c.decode(&req); err != nil {
		return 0, nil, err
	}
	msg, err := gw.SendChat(ctx, c.param("id"), req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, msg, nil
}

func handleAbort(_ context.Context, gw *gateway.Gateway, c call) (int, any, error) {
	return http.StatusOK, api.AbortResponse{Aborted: gw.Abort(c.param("id"))}, nil
}

// statusFor maps a gateway error onto a status code and a caller-facing
// message. Internal errors are logged and reported generically.
func statusFor(err error, logger *slog.Logger) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, gateway.ErrStreamInProgress):
		return http.StatusConflict, gateway.ErrStreamInProgress.Error()
	case errors.Is(err, context.Canceled):
		return http.StatusConflict, "request aborted"
	default:
		logger.Error("request failed", "error", err)
		return http.StatusInternalServerError, "internal error"
	}
}

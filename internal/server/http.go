// ABOUTME: HTTP transport: chi router over the shared route table plus SSE chat streaming
// ABOUTME: Also upgrades /ws/native to a WebSocket carrying the framed protocol

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/gateway"
	"github.com/2389/session-gateway/internal/stream"
	"github.com/2389/session-gateway/internal/wspipe"
)

// maxBodyBytes bounds request bodies. Prompt size is checked separately by
// the gateway.
const maxBodyBytes = 4 << 20

type httpHandler struct {
	gw       *gateway.Gateway
	native   *NativeHost
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewRouter builds the HTTP handler. native may be nil, in which case
// /ws/native is not served.
func NewRouter(gw *gateway.Gateway, native *NativeHost, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &httpHandler{
		gw:     gw,
		native: native,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extension and CLI callers connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	for _, rt := range routes() {
		r.Method(rt.method, rt.pattern, h.handle(rt.handle))
	}
	r.Post(patternChatStream, h.handleChatStream)
	if native != nil {
		r.Get(patternWebSocket, h.handleNativeWebSocket)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *httpHandler) newCall(r *http.Request) (call, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return call{}, err
	}
	return call{
		param: func(name string) string { return chi.URLParam(r, name) },
		query: r.URL.Query(),
		body:  body,
		mode:  api.ModeHTTP,
	}, nil
}

func (h *httpHandler) handle(ep endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := h.newCall(r)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		status, data, err := ep(r.Context(), h.gw, c)
		if err != nil {
			h.sendError(w, err)
			return
		}
		sendJSON(w, status, data)
	}
}

// handleChatStream streams one chat as SSE frames ending with [DONE]. A
// client disconnect cancels the request context, which aborts the stream.
func (h *httpHandler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	c, err := h.newCall(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req api.ChatRequest
	if err := c.decode(&req); err != nil {
		h.sendError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "id")
	st, err := h.gw.StreamChat(r.Context(), sessionID, req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	defer st.Close()

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sse := stream.NewSSEWriter(w)

	for {
		ev, err := st.Next(r.Context())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("client went away", "session_id", sessionID, "error", err)
				return
			}
			break
		}
		if err := sse.WriteEvent(ev); err != nil {
			h.logger.Debug("failed to write event", "session_id", sessionID, "error", err)
			return
		}
		if _, done := ev.(stream.Done); done {
			break
		}
	}
	if err := sse.WriteDone(); err != nil {
		h.logger.Debug("failed to write done", "session_id", sessionID, "error", err)
	}
}

func (h *httpHandler) handleNativeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(int64(h.native.opts.MaxFrameSize) + 64)

	if err := h.native.Serve(r.Context(), wspipe.New(conn)); err != nil {
		h.logger.Warn("native websocket session ended", "error", err)
	}
}

func (h *httpHandler) sendError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err, h.logger)
	sendJSONError(w, status, msg)
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes {"error": message} with the given status.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, api.ErrorResponse{Error: message})
}

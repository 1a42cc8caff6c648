// ABOUTME: Native messaging host: length-framed JSON requests over any byte pipe
// ABOUTME: Routes method+path through the shared table, streams events as stream_chunk frames

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/2389/session-gateway/internal/abort"
	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/dedupe"
	"github.com/2389/session-gateway/internal/frame"
	"github.com/2389/session-gateway/internal/gateway"
	"github.com/2389/session-gateway/internal/stream"
)

const defaultMaxInFlight = 64

// NativeOptions tunes a NativeHost. Zero values take defaults.
type NativeOptions struct {
	MaxFrameSize int
	DedupeTTL    time.Duration
	MaxInFlight  int64 // concurrent requests per connection
}

// NativeHost serves the framed protocol. One host serves any number of
// connections; each connection has its own dedupe window and stream table.
type NativeHost struct {
	gw        *gateway.Gateway
	mux       *chi.Mux
	endpoints map[string]endpoint
	opts      NativeOptions
	logger    *slog.Logger
}

// NewNativeHost creates a host for gw.
func NewNativeHost(gw *gateway.Gateway, opts NativeOptions, logger *slog.Logger) *NativeHost {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = frame.DefaultMaxSize
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 5 * time.Minute
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}

	// The mux only resolves patterns; handlers never run.
	noop := func(http.ResponseWriter, *http.Request) {}
	mux := chi.NewMux()
	endpoints := make(map[string]endpoint)
	for _, rt := range routes() {
		mux.MethodFunc(rt.method, rt.pattern, noop)
		endpoints[routeKey(rt.method, rt.pattern)] = rt.handle
	}
	mux.MethodFunc(http.MethodPost, patternChatStream, noop)

	return &NativeHost{
		gw:        gw,
		mux:       mux,
		endpoints: endpoints,
		opts:      opts,
		logger:    logger.With("component", "native"),
	}
}

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

// nativeConn is the state of one served pipe.
type nativeConn struct {
	host     *NativeHost
	w        *frame.Writer
	seen     *dedupe.Cache
	requests *abort.Coordinator
	logger   *slog.Logger
}

// Serve reads frames from rw until it closes or ctx is cancelled. Bad
// frames are answered with an error frame and skipped. On return every
// request still running on the connection has been aborted and finished,
// and rw is closed.
func (h *NativeHost) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &nativeConn{
		host:     h,
		w:        frame.NewWriter(rw, h.opts.MaxFrameSize),
		seen:     dedupe.New(h.opts.DedupeTTL, 0),
		requests: abort.New(h.logger),
		logger:   h.logger,
	}
	defer c.seen.Close()

	// Closing the pipe is the only way to unblock the reader.
	stopClose := context.AfterFunc(ctx, func() { _ = rw.Close() })
	defer stopClose()

	h.logger.Info("native connection opened")
	sem := semaphore.NewWeighted(h.opts.MaxInFlight)
	reader := frame.NewReader(rw, h.opts.MaxFrameSize)
	var wg sync.WaitGroup
	var readErr error

	for {
		payload, err := reader.Next()
		if err != nil {
			if frame.Recoverable(err) {
				c.logger.Warn("skipping bad frame", "error", err)
				c.send(frame.NewError("", http.StatusBadRequest, err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				readErr = fmt.Errorf("reading frame: %w", err)
			}
			break
		}

		req, err := frame.DecodeRequest(payload)
		if err != nil {
			c.logger.Warn("skipping bad request", "error", err)
			c.send(frame.NewError(idOf(payload), http.StatusBadRequest, err.Error()))
			continue
		}
		if !c.seen.Claim(req.ID) {
			c.send(frame.NewError(req.ID, http.StatusConflict, "duplicate request id"))
			continue
		}

		// Aborts run inline so they are never queued behind the requests
		// they target.
		if req.Type == frame.TypeAbort {
			c.handleAbort(req)
			continue
		}

		// The reader never waits for a slot; over the limit is an error.
		if !sem.TryAcquire(1) {
			c.send(frame.NewError(req.ID, http.StatusTooManyRequests, "too many requests in flight"))
			continue
		}
		// Registered before dispatch so an abort frame read next finds it.
		reqCtx, cancelReq := context.WithCancel(ctx)
		token := c.requests.Register(req.ID, cancelReq)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer c.requests.Release(req.ID, token)
			defer cancelReq()
			c.handle(ctx, reqCtx, req)
		}()
	}

	cancel()
	if n := c.requests.AbortAll(); n > 0 {
		h.logger.Info("aborted requests on closed connection", "count", n)
	}
	wg.Wait()
	_ = rw.Close()
	h.logger.Info("native connection closed")
	return readErr
}

// idOf recovers the correlation id of a payload that failed validation, so
// the caller can still match the error.
func idOf(payload []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &v)
	return v.ID
}

func (c *nativeConn) send(resp *frame.Response) {
	if err := c.w.WriteJSON(resp); err != nil {
		c.logger.Warn("failed to write frame", "id", resp.ID, "type", resp.Type, "error", err)
	}
}

func (c *nativeConn) sendError(id string, err error) {
	status, msg := statusFor(err, c.logger)
	c.send(frame.NewError(id, status, msg))
}

// resolve matches method+path against the route table.
func (c *nativeConn) resolve(method, path string) (string, call, bool) {
	u, err := url.Parse(path)
	if err != nil {
		return "", call{}, false
	}
	rctx := chi.NewRouteContext()
	pattern := c.host.mux.Find(rctx, method, u.Path)
	if pattern == "" {
		return "", call{}, false
	}
	return pattern, call{
		param: rctx.URLParam,
		query: u.Query(),
		mode:  api.ModeNative,
	}, true
}

// handle serves one request. Cancelling reqCtx aborts it; ctx is the
// connection's lifetime.
func (c *nativeConn) handle(ctx, reqCtx context.Context, req *frame.Request) {
	pattern, cl, ok := c.resolve(req.Method, req.Path)
	if !ok {
		c.send(frame.NewError(req.ID, http.StatusNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.Path)))
		return
	}
	cl.body = req.Body

	if pattern == patternChatStream {
		c.handleStream(ctx, reqCtx, req.ID, cl)
		return
	}
	if req.Type == frame.TypeStream {
		c.send(frame.NewError(req.ID, http.StatusBadRequest, fmt.Sprintf("%s %s does not stream", req.Method, req.Path)))
		return
	}

	ep := c.host.endpoints[routeKey(req.Method, pattern)]
	status, data, err := ep(reqCtx, c.host.gw, cl)
	if err != nil {
		c.sendError(req.ID, err)
		return
	}
	resp, err := frame.NewResponse(req.ID, status, data)
	if err != nil {
		c.sendError(req.ID, err)
		return
	}
	c.send(resp)
}

// handleStream relays one streamed chat. reqCtx cancellation aborts the
// stream; events are still read until the terminal done so the caller sees
// the error and done that an abort produces.
func (c *nativeConn) handleStream(connCtx, reqCtx context.Context, id string, cl call) {
	var chat api.ChatRequest
	if err := cl.decode(&chat); err != nil {
		c.sendError(id, err)
		return
	}
	st, err := c.host.gw.StreamChat(reqCtx, cl.param("id"), chat)
	if err != nil {
		c.sendError(id, err)
		return
	}
	defer st.Close()

	for {
		ev, err := st.Next(connCtx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("stream relay stopped", "id", id, "error", err)
				return
			}
			break
		}
		raw, err := stream.Marshal(ev)
		if err != nil {
			c.logger.Error("failed to encode stream event", "id", id, "error", err)
			continue
		}
		c.send(frame.NewChunk(id, raw))
		if _, done := ev.(stream.Done); done {
			break
		}
	}
	c.send(frame.NewStreamEnd(id))
}

// handleAbort cancels a request on this connection named by body.requestId,
// or else the running chat of the session named in the path.
func (c *nativeConn) handleAbort(req *frame.Request) {
	var body frame.AbortBody
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.send(frame.NewError(req.ID, http.StatusBadRequest, "malformed abort body"))
			return
		}
	}

	var aborted bool
	switch {
	case body.RequestID != "":
		aborted = c.requests.Abort(body.RequestID)
	default:
		sessionID := c.sessionFromPath(req.Path)
		if sessionID == "" {
			c.send(frame.NewError(req.ID, http.StatusBadRequest, "abort needs body.requestId or a session path"))
			return
		}
		aborted = c.host.gw.Abort(sessionID)
	}

	resp, err := frame.NewResponse(req.ID, http.StatusOK, api.AbortResponse{Aborted: aborted})
	if err != nil {
		c.sendError(req.ID, err)
		return
	}
	c.send(resp)
}

// sessionFromPath returns the {id} of any session route matching path.
func (c *nativeConn) sessionFromPath(path string) string {
	for _, method := range []string{http.MethodPost, http.MethodGet, http.MethodPatch, http.MethodDelete} {
		if _, cl, ok := c.resolve(method, path); ok {
			if id := cl.param("id"); id != "" {
				return id
			}
		}
	}
	return ""
}

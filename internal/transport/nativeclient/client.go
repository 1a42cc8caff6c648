// ABOUTME: Native transport client: one multiplexed framed connection with a pending-request table
// ABOUTME: Responses are routed by correlation id; losing the connection rejects every pending request

package nativeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/frame"
	"github.com/2389/session-gateway/internal/stream"
	"github.com/2389/session-gateway/internal/transport"
)

var _ transport.Transport = (*Client)(nil)

// ErrDisconnected is returned for every request that was pending, or is
// started, after the connection closed.
var ErrDisconnected = errors.New("native connection closed")

const abortGrace = 5 * time.Second

// pending is one outstanding request. Frames queue without bound so the
// read loop never waits on a slow consumer; ready is signalled after
// every push and on close.
type pending struct {
	mu     sync.Mutex
	queue  []*frame.Response
	closed bool
	ready  chan struct{}
}

func newPending() *pending {
	return &pending{ready: make(chan struct{}, 1)}
}

func (p *pending) push(resp *frame.Response) {
	p.mu.Lock()
	if !p.closed {
		p.queue = append(p.queue, resp)
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pending) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

func (p *pending) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// take pops the oldest queued frame. A nil frame with closed set means the
// connection is gone and nothing is left to read.
func (p *pending) take() (resp *frame.Response, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		resp = p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		return resp, false
	}
	return nil, p.closed
}

// Client multiplexes requests over one framed connection.
type Client struct {
	rwc    io.ReadWriteCloser
	w      *frame.Writer
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	err     error

	done chan struct{}
}

// New starts a client on rwc. The client owns rwc and closes it on Close.
func New(rwc io.ReadWriteCloser, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rwc:     rwc,
		w:       frame.NewWriter(rwc, frame.DefaultMaxSize),
		logger:  logger.With("component", "nativeclient"),
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop() {
	r := frame.NewReader(c.rwc, frame.DefaultMaxSize)
	for {
		payload, err := r.Next()
		if err != nil {
			if frame.Recoverable(err) {
				c.logger.Warn("skipping bad frame", "error", err)
				continue
			}
			c.fail(err)
			return
		}
		resp, err := frame.DecodeResponse(payload)
		if err != nil {
			c.logger.Warn("skipping bad response", "error", err)
			continue
		}
		c.route(resp)
	}
}

// route hands resp to its pending request. Frames for unknown ids, such as
// error frames for unparseable requests, are logged and dropped.
func (c *Client) route(resp *frame.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	c.mu.Unlock()

	if !ok {
		if resp.Type == frame.TypeError {
			c.logger.Warn("gateway reported error", "id", resp.ID, "status", resp.Status, "error", resp.Error)
		} else {
			c.logger.Debug("received frame for unknown request", "id", resp.ID, "type", resp.Type)
		}
		return
	}

	p.push(resp)
}

// fail rejects every pending request and empties the table.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if errors.Is(err, io.EOF) {
		err = ErrDisconnected
	}
	c.err = err
	for id, p := range c.pending {
		p.close()
		delete(c.pending, id)
	}
	close(c.done)
	c.logger.Debug("connection closed", "error", err)
}

func (c *Client) register(id string) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDisconnected
	}
	p := newPending()
	c.pending[id] = p
	return p, nil
}

func (c *Client) unregister(id string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[id] == p {
		delete(c.pending, id)
	}
}

func (c *Client) send(req frame.Request) error {
	if err := c.w.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// sendAbort asks the gateway to cancel request id. Best effort: the write
// runs in the background so a stalled peer cannot hold up the caller, and
// Close unblocks it.
func (c *Client) sendAbort(id string) {
	body, _ := json.Marshal(frame.AbortBody{RequestID: id})
	go func() {
		if err := c.send(frame.Request{ID: uuid.NewString(), Type: frame.TypeAbort, Body: body}); err != nil {
			c.logger.Debug("failed to send abort", "id", id, "error", err)
		}
	}()
}

func newRequest(typ, method, path string, body any) (frame.Request, error) {
	req := frame.Request{ID: uuid.NewString(), Type: typ, Method: method, Path: path}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return frame.Request{}, fmt.Errorf("encoding request: %w", err)
		}
		req.Body = b
	}
	return req, nil
}

func statusError(resp *frame.Response) error {
	return &transport.StatusError{Status: resp.Status, Message: resp.Error}
}

// do sends one request and waits for its response frame. Cancelling ctx
// sends an abort for the request.
func (c *Client) do(ctx context.Context, req frame.Request, out any) error {
	p, err := c.register(req.ID)
	if err != nil {
		return err
	}
	defer c.unregister(req.ID, p)

	if err := c.send(req); err != nil {
		return err
	}

	for {
		resp, closed := p.take()
		if resp != nil {
			switch resp.Type {
			case frame.TypeResponse:
				if out != nil && len(resp.Data) > 0 {
					if err := json.Unmarshal(resp.Data, out); err != nil {
						return fmt.Errorf("decoding %s %s reply: %w", req.Method, req.Path, err)
					}
				}
				return nil
			case frame.TypeError:
				return statusError(resp)
			default:
				return fmt.Errorf("unexpected %s frame for %s %s", resp.Type, req.Method, req.Path)
			}
		}
		if closed {
			return ErrDisconnected
		}
		select {
		case <-p.ready:
		case <-ctx.Done():
			c.sendAbort(req.ID)
			return ctx.Err()
		}
	}
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	req, err := newRequest(frame.TypeRequest, method, path, body)
	if err != nil {
		return err
	}
	return c.do(ctx, req, out)
}

// Health returns the probe result. An unhealthy gateway answers with
// status 503 and the probe as data; that is reported in Health.Status.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	var h api.Health
	if err := c.request(ctx, http.MethodGet, transport.HealthPath, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) ListModels(ctx context.Context) (*api.ModelList, error) {
	var list api.ModelList
	if err := c.request(ctx, http.MethodGet, transport.ModelsPath, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error) {
	var sess api.Session
	if err := c.request(ctx, http.MethodPost, transport.SessionsPath, req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var sess api.Session
	if err := c.request(ctx, http.MethodGet, transport.SessionPath(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListSessions(ctx context.Context, req api.ListSessionsRequest) (*api.SessionList, error) {
	var list api.SessionList
	if err := c.request(ctx, http.MethodGet, transport.SessionsPath+transport.ListSessionsQuery(req), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) (bool, error) {
	var resp api.DeleteResponse
	if err := c.request(ctx, http.MethodDelete, transport.SessionPath(id), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

func (c *Client) ResumeSession(ctx context.Context, id string) (*api.Session, error) {
	var sess api.Session
	if err := c.request(ctx, http.MethodPost, transport.SessionPath(id, "resume"), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) UpdateSessionStatus(ctx context.Context, id, status string) (*api.Session, error) {
	var sess api.Session
	if err := c.request(ctx, http.MethodPatch, transport.SessionPath(id), api.UpdateSessionRequest{Status: status}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListMessages(ctx context.Context, id string) (*api.MessageList, error) {
	var list api.MessageList
	if err := c.request(ctx, http.MethodGet, transport.SessionPath(id, "messages"), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) SendMessage(ctx context.Context, id string, req api.ChatRequest) (*api.Message, error) {
	var msg api.Message
	if err := c.request(ctx, http.MethodPost, transport.SessionPath(id, "chat"), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StreamMessage sends a stream request and delivers its chunks until
// stream_end. When ctx is cancelled an abort frame is sent and only the
// terminal error and done events are still delivered, for up to
// abortGrace, before ctx.Err() is returned.
func (c *Client) StreamMessage(ctx context.Context, id string, chat api.ChatRequest, onEvent func(stream.Event)) error {
	req, err := newRequest(frame.TypeStream, http.MethodPost, transport.SessionPath(id, "chat", "stream"), chat)
	if err != nil {
		return err
	}
	p, err := c.register(req.ID)
	if err != nil {
		return err
	}
	defer c.unregister(req.ID, p)

	if err := c.send(req); err != nil {
		return err
	}

	var grace <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	abortOnce := func() {
		if timer != nil {
			return
		}
		c.sendAbort(req.ID)
		timer = time.NewTimer(abortGrace)
		grace = timer.C
	}

	for {
		if ctx.Err() != nil {
			abortOnce()
		}
		resp, closed := p.take()
		if resp != nil {
			switch resp.Type {
			case frame.TypeStreamChunk:
				ev, err := stream.Unmarshal(resp.Data)
				if err != nil {
					c.logger.Warn("skipping undecodable event", "id", req.ID, "error", err)
					continue
				}
				if timer != nil && !stream.IsTerminal(ev) {
					continue
				}
				onEvent(ev)
			case frame.TypeStreamEnd:
				return ctx.Err()
			case frame.TypeError:
				return statusError(resp)
			default:
				return fmt.Errorf("unexpected %s frame in stream", resp.Type)
			}
			continue
		}
		if closed {
			return ErrDisconnected
		}
		cancelled := ctx.Done()
		if timer != nil {
			cancelled = nil
		}
		select {
		case <-p.ready:
		case <-cancelled:
		case <-grace:
			return ctx.Err()
		}
	}
}

// Abort stops the session's running chat, whichever connection started it.
func (c *Client) Abort(ctx context.Context, id string) (bool, error) {
	req, err := newRequest(frame.TypeAbort, http.MethodPost, transport.SessionPath(id, "abort"), nil)
	if err != nil {
		return false, err
	}
	var resp api.AbortResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return false, err
	}
	return resp.Aborted, nil
}

// Close closes the connection. Pending requests fail with ErrDisconnected
// right away, even if the transport is slow to unblock the reader.
func (c *Client) Close() error {
	err := c.rwc.Close()
	c.fail(ErrDisconnected)
	return err
}

// ABOUTME: HTTP transport client: JSON requests plus Server-Sent Events for streamed chats
// ABOUTME: Cancelling a stream's context closes the response body, which the gateway treats as an abort

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/stream"
	"github.com/2389/session-gateway/internal/transport"
)

var _ transport.Transport = (*Client)(nil)

// Client talks to a gateway over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL, e.g. "http://127.0.0.1:8787". A nil
// httpClient means http.DefaultClient. Do not set a client-wide timeout if
// you stream; use contexts instead.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do runs one JSON round trip. Replies with a status in accept are decoded
// into out even when they are not 2xx.
func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < 300
	for _, s := range accept {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s reply: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &transport.StatusError{Status: resp.StatusCode, Message: body.Error}
}

// Health returns the probe result. An unhealthy gateway answers 503 with a
// body; that is reported in Health.Status, not as an error.
func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	var h api.Health
	if err := c.do(ctx, http.MethodGet, transport.HealthPath, nil, &h, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) ListModels(ctx context.Context) (*api.ModelList, error) {
	var list api.ModelList
	if err := c.do(ctx, http.MethodGet, transport.ModelsPath, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error) {
	var sess api.Session
	if err := c.do(ctx, http.MethodPost, transport.SessionsPath, req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var sess api.Session
	if err := c.do(ctx, http.MethodGet, transport.SessionPath(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListSessions(ctx context.Context, req api.ListSessionsRequest) (*api.SessionList, error) {
	var list api.SessionList
	path := transport.SessionsPath + transport.ListSessionsQuery(req)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) (bool, error) {
	var resp api.DeleteResponse
	if err := c.do(ctx, http.MethodDelete, transport.SessionPath(id), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

func (c *Client) ResumeSession(ctx context.Context, id string) (*api.Session, error) {
	var sess api.Session
	if err := c.do(ctx, http.MethodPost, transport.SessionPath(id, "resume"), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) UpdateSessionStatus(ctx context.Context, id, status string) (*api.Session, error) {
	var sess api.Session
	if err := c.do(ctx, http.MethodPatch, transport.SessionPath(id), api.UpdateSessionRequest{Status: status}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListMessages(ctx context.Context, id string) (*api.MessageList, error) {
	var list api.MessageList
	if err := c.do(ctx, http.MethodGet, transport.SessionPath(id, "messages"), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) SendMessage(ctx context.Context, id string, req api.ChatRequest) (*api.Message, error) {
	var msg api.Message
	if err := c.do(ctx, http.MethodPost, transport.SessionPath(id, "chat"), req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StreamMessage posts the chat and parses SSE frames until [DONE]. A
// cancelled ctx is reported even when the stream ended cleanly.
func (c *Client) StreamMessage(ctx context.Context, id string, req api.ChatRequest, onEvent func(stream.Event)) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, transport.SessionPath(id, "chat", "stream"), req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	reader := stream.NewSSEReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return ctx.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		onEvent(ev)
	}
}

func (c *Client) Abort(ctx context.Context, id string) (bool, error) {
	var resp api.AbortResponse
	if err := c.do(ctx, http.MethodPost, transport.SessionPath(id, "abort"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Aborted, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

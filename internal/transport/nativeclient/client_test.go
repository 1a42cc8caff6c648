// ABOUTME: Tests for the native transport client against a real frame host and a scripted fake
// ABOUTME: Covers round trips, streaming, cancel-as-abort, and rejection of pending requests on disconnect

package nativeclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/frame"
	"github.com/2389/session-gateway/internal/gateway"
	"github.com/2389/session-gateway/internal/server"
	"github.com/2389/session-gateway/internal/store"
	"github.com/2389/session-gateway/internal/stream"
	"github.com/2389/session-gateway/internal/transport"
)

func newConnectedClient(t *testing.T, delay time.Duration) (*Client, *gateway.Gateway) {
	t.Helper()
	adapter := engine.NewAdapter(nil, engine.AdapterOptions{MockDelay: delay})
	gw := gateway.New(store.NewMockStore(), adapter, gateway.Options{Version: "test"})
	t.Cleanup(gw.Close)

	host := server.NewNativeHost(gw, server.NativeOptions{}, nil)
	serverEnd, clientEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = host.Serve(ctx, serverEnd)
	}()

	c := New(clientEnd, nil)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-served
	})
	return c, gw
}

func TestRoundTrips(t *testing.T) {
	c, _ := newConnectedClient(t, 0)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.ModeNative, h.Mode)
	assert.True(t, h.MockMode)

	sess, err := c.CreateSession(ctx, api.CreateSessionRequest{Type: "page"})
	require.NoError(t, err)
	assert.Equal(t, "page", sess.Type)

	_, err = c.SendMessage(ctx, sess.ID, api.ChatRequest{})
	assert.ErrorIs(t, err, transport.ErrInvalid)

	msg, err := c.SendMessage(ctx, sess.ID, api.ChatRequest{Prompt: "explain closures"})
	require.NoError(t, err)
	assert.Equal(t, "assistant", msg.Role)

	msgs, err := c.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs.Messages, 2)

	list, err := c.ListSessions(ctx, api.ListSessionsRequest{Type: "page"})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	paused, err := c.UpdateSessionStatus(ctx, sess.ID, "paused")
	require.NoError(t, err)
	assert.Equal(t, "paused", paused.Status)

	resumed, err := c.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", resumed.Status)

	aborted, err := c.Abort(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, aborted)

	deleted, err := c.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = c.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, transport.ErrNotFound)

	assert.Zero(t, c.Pending())
}

func TestStreamMessage(t *testing.T) {
	c, _ := newConnectedClient(t, 0)
	ctx := context.Background()
	sess, err := c.CreateSession(ctx, api.CreateSessionRequest{})
	require.NoError(t, err)

	var events []stream.Event
	err = c.StreamMessage(ctx, sess.ID, api.ChatRequest{Prompt: "explain interfaces"}, func(ev stream.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var deltas strings.Builder
	var complete string
	for _, ev := range events {
		switch e := ev.(type) {
		case stream.MessageDelta:
			deltas.WriteString(e.DeltaContent)
		case stream.MessageComplete:
			complete = e.Content
		}
	}
	assert.Equal(t, complete, deltas.String())
	assert.Contains(t, complete, "Explanation")
	assert.IsType(t, stream.Done{}, events[len(events)-1])
	assert.Zero(t, c.Pending())
}

func TestStreamMessageCancelAborts(t *testing.T) {
	c, gw := newConnectedClient(t, 20*time.Millisecond)
	sess, err := c.CreateSession(context.Background(), api.CreateSessionRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []stream.Event
	err = c.StreamMessage(ctx, sess.ID, api.ChatRequest{Prompt: "explain the whole history of computing"}, func(ev stream.Event) {
		events = append(events, ev)
		if len(events) == 1 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	require.GreaterOrEqual(t, len(events), 3)
	assert.IsType(t, stream.ErrorEvent{}, events[len(events)-2])
	assert.IsType(t, stream.Done{}, events[len(events)-1])
	require.Eventually(t, func() bool { return !gw.Streaming(sess.ID) }, 2*time.Second, 10*time.Millisecond)
}

func TestSecondStreamConflicts(t *testing.T) {
	c, gw := newConnectedClient(t, 20*time.Millisecond)
	ctx := context.Background()
	sess, err := c.CreateSession(ctx, api.CreateSessionRequest{})
	require.NoError(t, err)

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	var once sync.Once
	go func() {
		firstDone <- c.StreamMessage(ctx, sess.ID, api.ChatRequest{Prompt: "explain the whole history of computing"}, func(stream.Event) {
			once.Do(func() { close(started) })
		})
	}()
	<-started

	err = c.StreamMessage(ctx, sess.ID, api.ChatRequest{Prompt: "explain again"}, func(stream.Event) {})
	assert.ErrorIs(t, err, transport.ErrConflict)

	aborted, err := c.Abort(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, aborted)
	require.NoError(t, <-firstDone)
	require.Eventually(t, func() bool { return !gw.Streaming(sess.ID) }, 2*time.Second, 10*time.Millisecond)
}

// TestDisconnectRejectsPending parks K requests on a host that never
// answers, then drops the connection.
func TestDisconnectRejectsPending(t *testing.T) {
	const k = 5
	hostEnd, clientEnd := net.Pipe()
	c := New(clientEnd, nil)
	defer c.Close()

	received := make(chan struct{})
	go func() {
		r := frame.NewReader(hostEnd, 0)
		for i := 0; i < k; i++ {
			if _, err := r.Next(); err != nil {
				return
			}
		}
		close(received)
	}()

	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := c.GetSession(context.Background(), "s")
			errs <- err
		}()
	}

	<-received
	require.Eventually(t, func() bool { return c.Pending() == k }, time.Second, 5*time.Millisecond)
	require.NoError(t, hostEnd.Close())

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request was not rejected")
		}
	}
	assert.Zero(t, c.Pending())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrDisconnected)

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestRequestCancelSendsAbort(t *testing.T) {
	hostEnd, clientEnd := net.Pipe()
	c := New(clientEnd, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(ctx, "s", api.ChatRequest{Prompt: "hi"})
		errCh <- err
	}()

	r := frame.NewReader(hostEnd, 0)
	payload, err := r.Next()
	require.NoError(t, err)
	first, err := frame.DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, frame.TypeRequest, first.Type)

	cancel()
	payload, err = r.Next()
	require.NoError(t, err)
	abortReq, err := frame.DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, frame.TypeAbort, abortReq.Type)
	assert.JSONEq(t, `{"requestId":"`+first.ID+`"}`, string(abortReq.Body))

	assert.True(t, errors.Is(<-errCh, context.Canceled))
	_ = hostEnd.Close()
}

func chunk(t *testing.T, id string, ev stream.Event) *frame.Response {
	t.Helper()
	b, err := stream.Marshal(ev)
	require.NoError(t, err)
	return frame.NewChunk(id, b)
}

func readRequest(t *testing.T, r *frame.Reader) *frame.Request {
	t.Helper()
	payload, err := r.Next()
	require.NoError(t, err)
	req, err := frame.DecodeRequest(payload)
	require.NoError(t, err)
	return req
}

// TestSlowStreamConsumerDoesNotStallReplies floods a stream whose handler
// is stuck and checks an unrelated request still gets its reply.
func TestSlowStreamConsumerDoesNotStallReplies(t *testing.T) {
	hostEnd, clientEnd := net.Pipe()
	c := New(clientEnd, nil)
	defer c.Close()
	r := frame.NewReader(hostEnd, 0)
	w := frame.NewWriter(hostEnd, 0)

	release := make(chan struct{})
	var delivered int
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamMessage(context.Background(), "s", api.ChatRequest{Prompt: "hi"}, func(stream.Event) {
			delivered++
			<-release
		})
	}()
	streamReq := readRequest(t, r)
	require.Equal(t, frame.TypeStream, streamReq.Type)

	const flood = 200
	for i := 0; i < flood; i++ {
		require.NoError(t, w.WriteJSON(chunk(t, streamReq.ID, stream.MessageDelta{DeltaContent: "x"})))
	}

	got := make(chan error, 1)
	go func() {
		_, err := c.GetSession(context.Background(), "other")
		got <- err
	}()
	getReq := readRequest(t, r)
	resp, err := frame.NewResponse(getReq.ID, 200, api.Session{ID: "other"})
	require.NoError(t, err)
	require.NoError(t, w.WriteJSON(resp))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was held up behind a slow stream consumer")
	}

	require.NoError(t, w.WriteJSON(chunk(t, streamReq.ID, stream.Done{})))
	require.NoError(t, w.WriteJSON(frame.NewStreamEnd(streamReq.ID)))
	close(release)
	require.NoError(t, <-streamErr)
	assert.Equal(t, flood+1, delivered)
}

// TestCloseWithStalledPeer checks neither Close nor a cancelled request
// waits on a peer that stopped reading.
func TestCloseWithStalledPeer(t *testing.T) {
	hostEnd, clientEnd := net.Pipe()
	defer hostEnd.Close()
	c := New(clientEnd, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(ctx, "s", api.ChatRequest{Prompt: "hi"})
		errCh <- err
	}()
	readRequest(t, frame.NewReader(hostEnd, 0))

	// The peer reads nothing more, so the abort write cannot complete.
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request waited on the abort write")
	}

	pendingErr := make(chan error, 1)
	go func() {
		_, err := c.GetSession(context.Background(), "s")
		pendingErr <- err
	}()

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung")
	}
	select {
	case err := <-pendingErr:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived Close")
	}
	<-c.Done()
}

func TestStreamMessageCancelDropsDeltas(t *testing.T) {
	hostEnd, clientEnd := net.Pipe()
	c := New(clientEnd, nil)
	defer c.Close()
	r := frame.NewReader(hostEnd, 0)
	w := frame.NewWriter(hostEnd, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []stream.Event
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.StreamMessage(ctx, "s", api.ChatRequest{Prompt: "hi"}, func(ev stream.Event) {
			events = append(events, ev)
			cancel()
		})
	}()
	streamReq := readRequest(t, r)
	require.NoError(t, w.WriteJSON(chunk(t, streamReq.ID, stream.MessageDelta{DeltaContent: "a"})))

	abortReq := readRequest(t, r)
	require.Equal(t, frame.TypeAbort, abortReq.Type)

	for _, ev := range []stream.Event{
		stream.MessageDelta{DeltaContent: "b"},
		stream.MessageComplete{Content: "ab"},
		stream.ErrorEvent{Message: "aborted"},
		stream.Done{},
	} {
		require.NoError(t, w.WriteJSON(chunk(t, streamReq.ID, ev)))
	}
	require.NoError(t, w.WriteJSON(frame.NewStreamEnd(streamReq.ID)))

	assert.ErrorIs(t, <-streamErr, context.Canceled)
	assert.Equal(t, []stream.Event{
		stream.MessageDelta{DeltaContent: "a"},
		stream.ErrorEvent{Message: "aborted"},
		stream.Done{},
	}, events)
}

// ABOUTME: Tests for the WebSocket byte pipe
// ABOUTME: Uses an httptest server with a gorilla upgrader on the far end

package wspipe

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/frame"
)

// newServer upgrades every request and hands the pipe to serve.
func newServer(t *testing.T, serve func(p *Pipe)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := New(conn)
		defer p.Close()
		serve(p)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Pipe {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	p := New(conn)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestReadSpansMessages(t *testing.T) {
	url := newServer(t, func(p *Pipe) {
		_, _ = io.Copy(p, p)
	})
	p := dial(t, url)

	_, err := p.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = p.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(p, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestCarriesFrames(t *testing.T) {
	url := newServer(t, func(p *Pipe) {
		r := frame.NewReader(p, 0)
		w := frame.NewWriter(p, 0)
		for {
			payload, err := r.Next()
			if err != nil {
				return
			}
			if err := w.Write(payload); err != nil {
				return
			}
		}
	})
	p := dial(t, url)

	w := frame.NewWriter(p, 0)
	r := frame.NewReader(p, 0)
	require.NoError(t, w.Write([]byte(`{"id":"1"}`)))
	require.NoError(t, w.Write([]byte(`{"id":"2"}`)))

	first, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(first))
	second, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"2"}`, string(second))
}

func TestPeerCloseReadsAsEOF(t *testing.T) {
	got := make(chan error, 1)
	url := newServer(t, func(p *Pipe) {
		_, err := p.Read(make([]byte, 16))
		got <- err
	})
	p := dial(t, url)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-got, io.EOF)
}

func TestWriteAfterClose(t *testing.T) {
	url := newServer(t, func(p *Pipe) {
		_, _ = io.Copy(io.Discard, p)
	})
	p := dial(t, url)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err := p.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// ABOUTME: Byte pipe over a gorilla WebSocket connection for carrying native frames
// ABOUTME: Each Write is one binary message; Read spans message boundaries transparently

package wspipe

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Pipe adapts a WebSocket connection to io.ReadWriteCloser. One goroutine
// may read while any number write.
type Pipe struct {
	conn   *websocket.Conn
	reader io.Reader

	wmu    sync.Mutex
	closed bool
}

// New wraps conn.
func New(conn *websocket.Conn) *Pipe {
	return &Pipe{conn: conn}
}

// Read reads from the current message, moving on to the next one when it
// is exhausted. A normal close from the peer reads as io.EOF.
func (p *Pipe) Read(b []byte) (int, error) {
	for {
		if p.reader == nil {
			mt, r, err := p.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
				continue
			}
			p.reader = r
		}

		n, err := p.reader.Read(b)
		if errors.Is(err, io.EOF) {
			p.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends b as a single binary message.
func (p *Pipe) Write(b []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal close message and closes the connection. Safe to
// call more than once.
func (p *Pipe) Close() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return p.conn.Close()
}

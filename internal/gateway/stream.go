// ABOUTME: Caller-side handle on one streamed reply
// ABOUTME: Next yields canonical events in order and drops non-terminal events once aborted

package gateway

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/2389/session-gateway/internal/stream"
)

// Stream is one in-flight streamed reply.
type Stream struct {
	SessionID     string
	UserMessageID string
	MockMode      bool

	events       <-chan stream.Event
	aborted      atomic.Bool
	done         atomic.Bool // consumer saw the end
	ended        atomic.Bool // translator finished and the slot was released
	abort        func()
	finish       func()
	stopConsumer context.CancelFunc
}

// Next returns the next event, or io.EOF once the stream has ended. After
// an abort only the terminal error and done events are delivered.
func (s *Stream) Next(ctx context.Context) (stream.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.done.Store(true)
				s.finish()
				return nil, io.EOF
			}
			if s.aborted.Load() && !stream.IsTerminal(ev) {
				continue
			}
			if _, ok := ev.(stream.Done); ok {
				s.done.Store(true)
				s.finish()
			}
			return ev, nil
		}
	}
}

// Abort stops this stream. Safe to call more than once.
func (s *Stream) Abort() {
	s.abort()
}

// Aborted reports whether the stream was aborted.
func (s *Stream) Aborted() bool {
	return s.aborted.Load()
}

// Close releases the stream, aborting it first if it has not finished.
func (s *Stream) Close() {
	if !s.done.Load() {
		s.abort()
	}
	s.stopConsumer()
}

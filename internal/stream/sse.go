// ABOUTME: Server-Sent Events framing for stream events: "data: <json>\n\n" plus a [DONE] sentinel
// ABOUTME: SSEWriter serializes events onto a response, SSEReader parses them back on the client side

package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneSentinel is the data payload of the final frame of every event stream.
const DoneSentinel = "[DONE]"

// SSEWriter writes events as SSE data frames, flushing after each one when
// the underlying writer supports it.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w.
func NewSSEWriter(w io.Writer) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// SetHeaders sets the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one "data: <json>\n\n" frame.
func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	return s.writeData(string(data))
}

// WriteDone writes the terminating "data: [DONE]\n\n" frame.
func (s *SSEWriter) WriteDone() error {
	return s.writeData(DoneSentinel)
}

func (s *SSEWriter) writeData(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("writing sse frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// ErrTruncated is returned when an event stream ends without the [DONE] sentinel.
var ErrTruncated = errors.New("event stream ended without [DONE]")

// SSEReader parses SSE frames produced by SSEWriter. Comment lines and
// fields other than data are ignored; multiple data lines in one frame are
// joined with newlines.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF after the [DONE] sentinel
// and ErrTruncated if the stream ends first.
func (s *SSEReader) Next() (Event, error) {
	var data []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				if len(data) > 0 {
					return s.dispatch(data)
				}
				return nil, ErrTruncated
			}
			return nil, fmt.Errorf("reading event stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			return s.dispatch(data)
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *SSEReader) dispatch(data []string) (Event, error) {
	payload := strings.Join(data, "\n")
	if payload == DoneSentinel {
		return nil, io.EOF
	}
	return Unmarshal([]byte(payload))
}

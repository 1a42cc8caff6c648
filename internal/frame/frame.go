// ABOUTME: Native frame codec: a 4-byte little-endian length followed by a UTF-8 JSON payload
// ABOUTME: Reader survives malformed frames; Writer serializes concurrent frame writes

package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"
)

// DefaultMaxSize is the largest payload accepted when no limit is configured.
const DefaultMaxSize = 1 << 20

const headerSize = 4

var (
	// ErrFrameTooLarge is returned for a length prefix above the limit. The
	// payload is discarded and the reader stays usable.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidPayload is returned for an empty, non-UTF-8 or non-JSON
	// payload. The reader stays usable.
	ErrInvalidPayload = errors.New("invalid frame payload")
)

// Recoverable reports whether err describes a single bad frame after which
// reading can continue.
func Recoverable(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidPayload)
}

// Encode returns payload prefixed with its little-endian length.
func Encode(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// Decode parses one complete frame held in b and returns its payload.
func Decode(b []byte) ([]byte, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrInvalidPayload)
	}
	n := binary.LittleEndian.Uint32(b)
	if int(n) != len(b)-headerSize {
		return nil, fmt.Errorf("%w: length %d, have %d bytes", ErrInvalidPayload, n, len(b)-headerSize)
	}
	return b[headerSize:], nil
}

// Reader reads frames from a byte pipe.
type Reader struct {
	r       *bufio.Reader
	maxSize int
}

// NewReader wraps r. maxSize <= 0 means DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Next returns the next payload. Errors for which Recoverable is true leave
// the reader positioned at the following frame. io.EOF means the pipe closed
// cleanly between frames.
func (r *Reader) Next() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
		return nil, err
	}

	n := int64(binary.LittleEndian.Uint32(header[:]))
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidPayload)
	}
	if n > int64(r.maxSize) {
		if _, err := io.CopyN(io.Discard, r.r, n); err != nil {
			return nil, fmt.Errorf("discarding oversized frame: %w", err)
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, r.maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: not UTF-8", ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidPayload)
	}
	return payload, nil
}

// Writer writes whole frames. It is safe for concurrent use; frames from
// different goroutines never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	maxSize int
}

// NewWriter wraps w. maxSize <= 0 means DefaultMaxSize.
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Writer{w: w, maxSize: maxSize}
}

// Write sends payload as one frame.
func (w *Writer) Write(payload []byte) error {
	if len(payload) > w.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), w.maxSize)
	}
	buf := Encode(payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteJSON marshals v and sends it as one frame.
func (w *Writer) WriteJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return w.Write(payload)
}

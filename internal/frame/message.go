// ABOUTME: Request and response envelopes carried inside native frames
// ABOUTME: Requests are correlated with responses, stream chunks, and errors by a caller-chosen id

package frame

import (
	"encoding/json"
	"fmt"
)

// Request frame types.
const (
	TypeRequest = "request"
	TypeStream  = "stream"
	TypeAbort   = "abort"
)

// Response frame types.
const (
	TypeResponse    = "response"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
	TypeError       = "error"
)

// Request is a caller-to-host frame.
type Request struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Response is a host-to-caller frame.
type Response struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Status int             `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// AbortBody is the optional body of an abort frame naming the stream
// request to cancel.
type AbortBody struct {
	RequestID string `json:"requestId"`
}

// DecodeRequest parses a request payload.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	switch req.Type {
	case TypeRequest, TypeStream, TypeAbort:
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidPayload, req.Type)
	}
	return &req, nil
}

// DecodeResponse parses a response payload.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch resp.Type {
	case TypeResponse, TypeStreamChunk, TypeStreamEnd, TypeError:
	default:
		return nil, fmt.Errorf("%w: unknown response type %q", ErrInvalidPayload, resp.Type)
	}
	return &resp, nil
}

// NewResponse builds a response frame with v marshalled as data.
func NewResponse(id string, status int, v any) (*Response, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Type: TypeResponse, Status: status, Data: data}, nil
}

// NewChunk builds a stream_chunk frame carrying one encoded stream event.
func NewChunk(id string, event json.RawMessage) *Response {
	return &Response{ID: id, Type: TypeStreamChunk, Data: event}
}

// NewStreamEnd builds the frame that closes a stream request.
func NewStreamEnd(id string) *Response {
	return &Response{ID: id, Type: TypeStreamEnd, Status: 200}
}

// NewError builds an error frame.
func NewError(id string, status int, msg string) *Response {
	return &Response{ID: id, Type: TypeError, Status: status, Error: msg}
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response data: %w", err)
	}
	return b, nil
}

// Package wire implements the runwire streaming protocol: a
// length-prefixed, frame-based protocol over TCP for broadcasting
// workflow events to remote observers.
//
// A session is one subscribe request followed by a stream of event
// frames. The subscribe request names the workflow and the last
// sequence number the client has already seen, so a reconnecting
// client resumes without gaps or duplicates. The handshake is always
// JSON; the request also names the codec for the rest of the session.
package wire

import (
	"encoding/json"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the protocol message envelope. Every message exchanged over
// a connection is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "subscribe").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Channel identifies the subscription channel for event frames.
	// It is the workflow ID the event belongs to.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest = 400
	ErrCodeNotFound   = 404
	ErrCodeConflict   = 409
	ErrCodeOverflow   = 429
	ErrCodeInternal   = 500
)

// SubscribeRequest opens an event stream for one workflow. AfterSeq is
// the last sequence number the client has already seen; 0 requests the
// full history. Format names the codec for the rest of the session; the
// handshake itself is always JSON.
type SubscribeRequest struct {
	WorkflowID string `json:"workflow_id"`
	AfterSeq   int64  `json:"after_seq,omitempty"`
	Format     string `json:"format,omitempty"`
}

// SubscribeResponse confirms a subscription and echoes the codec the
// server will use for subsequent frames.
type SubscribeResponse struct {
	Channel string `json:"channel"`
	Format  string `json:"format"`
}

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID. Uses a timestamp-based
// value; frame IDs only need to be unique per connection.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}

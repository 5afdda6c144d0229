package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/backoff"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/workflow"
)

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 10 * time.Second

// Client subscribes to workflow event streams over the wire protocol.
// A dropped connection is redialed with backoff, resuming from the last
// delivered sequence, so the consumer sees every event exactly once
// regardless of reconnects.
type Client struct {
	addr        string
	codec       Codec
	strategy    backoff.Strategy
	logger      *slog.Logger
	dialTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec sets the stream codec. It is named in the subscribe
// request, so the server follows suit; the handshake itself is always
// JSON.
func WithClientCodec(c Codec) ClientOption {
	return func(cl *Client) { cl.codec = c }
}

// WithClientLogger sets the structured logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// WithBackoff sets the reconnect delay strategy.
func WithBackoff(s backoff.Strategy) ClientOption {
	return func(cl *Client) { cl.strategy = s }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.dialTimeout = d }
}

// NewClient creates a Client for the given server address.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:        addr,
		codec:       &JSONCodec{},
		strategy:    backoff.DefaultStrategy(),
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream is a client-side event stream. Events arrive in sequence order
// with no gaps or duplicates. When the channel closes, Err reports why:
// nil after Close or context cancellation, otherwise the fatal error
// that ended the stream.
type Stream struct {
	ch     chan *workflow.Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan *workflow.Event { return s.ch }

// Err reports why the stream ended. Meaningful once Events() is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream.
func (s *Stream) Close() { s.cancel() }

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Subscribe opens a resumable event stream for the workflow, starting
// just after afterSeq. The stream survives connection drops: the client
// redials with backoff and resubscribes from the last delivered
// sequence. It ends only on Close, ctx cancellation, or a fatal
// protocol error such as an unknown workflow.
func (c *Client) Subscribe(ctx context.Context, workflowID id.WorkflowID, afterSeq int64) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		ch:     make(chan *workflow.Event),
		cancel: cancel,
	}

	go func() {
		defer close(st.ch)
		last := afterSeq
		attempt := 0
		for {
			err := c.stream(ctx, workflowID, &last, st.ch)
			if ctx.Err() != nil {
				return
			}
			var fatal *fatalError
			if errors.As(err, &fatal) {
				st.setErr(fatal.err)
				return
			}

			attempt++
			delay := c.strategy.Delay(attempt)
			c.logger.Debug("stream dropped, reconnecting",
				slog.String("workflow_id", workflowID.String()),
				slog.Int64("last_seq", last),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()

	return st
}

// fatalError marks a server rejection that a reconnect cannot fix.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// stream runs one connection: dial, subscribe after *last, forward
// event frames. It advances *last as events are delivered, so the next
// attempt resumes where this one stopped.
func (c *Client) stream(ctx context.Context, workflowID id.WorkflowID, last *int64, out chan<- *workflow.Event) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	// Unblock reads when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	handshake := Codec(&JSONCodec{})
	req, err := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{
		WorkflowID: workflowID.String(),
		AfterSeq:   *last,
		Format:     c.codec.Name(),
	})
	if err != nil {
		return err
	}
	if err := writeFrame(conn, handshake, req); err != nil {
		return err
	}

	resp, err := readFrame(conn, handshake)
	if err != nil {
		return err
	}
	if resp.Type == FrameErr {
		return subscribeError(resp.Error)
	}
	if resp.Type != FrameResponse || resp.CorrelID != req.ID {
		return fmt.Errorf("wire: unexpected handshake frame %q", resp.Type)
	}

	for {
		f, err := readFrame(conn, c.codec)
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameEvent:
			var evt workflow.Event
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				return fmt.Errorf("wire: decode event: %w", err)
			}
			if evt.Sequence <= *last {
				continue
			}
			select {
			case out <- &evt:
				*last = evt.Sequence
			case <-ctx.Done():
				return ctx.Err()
			}
		case FrameErr:
			// Overflow and the like: reconnect resumes from *last.
			return fmt.Errorf("wire: server error %d: %s", f.Error.Code, f.Error.Message)
		case FramePong:
			// Ignore.
		default:
			return fmt.Errorf("wire: unexpected frame %q", f.Type)
		}
	}
}

// subscribeError maps a handshake rejection to an error; 4xx rejections
// other than overflow are fatal, anything else is retried.
func subscribeError(detail *ErrorDetail) error {
	if detail == nil {
		return errors.New("wire: subscribe rejected")
	}
	switch detail.Code {
	case ErrCodeNotFound:
		return &fatalError{err: fmt.Errorf("%w: %s", runwire.ErrWorkflowNotFound, detail.Message)}
	case ErrCodeBadRequest:
		return &fatalError{err: fmt.Errorf("wire: subscribe rejected: %s", detail.Message)}
	default:
		return fmt.Errorf("wire: server error %d: %s", detail.Code, detail.Message)
	}
}

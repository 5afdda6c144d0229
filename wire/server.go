package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/stream"
)

// Server accepts TCP connections and streams workflow events to them.
// Each connection carries one subscription: the client's first frame
// must be a subscribe request, after which the server writes event
// frames until the client disconnects, the observer overflows, or the
// server shuts down.
type Server struct {
	hub    *stream.Hub
	codec  Codec
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]net.Conn
	closed bool
	cancel context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerCodec sets the stream codec used when the subscribe request
// does not name one. Defaults to JSON.
func WithServerCodec(c Codec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// WithServerLogger sets the structured logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server broadcasting from the given hub.
func NewServer(hub *stream.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub:    hub,
		codec:  &JSONCodec{},
		logger: slog.Default(),
		conns:  make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It blocks, returning nil
// after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return runwire.ErrObserverClosed
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		connID := id.NewConnID()
		s.mu.Lock()
		s.conns[connID.String()] = conn
		s.mu.Unlock()

		group.Go(func() error {
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, connID.String())
				s.mu.Unlock()
			}()
			s.handle(ctx, connID, conn)
			return nil
		})
	}

	return group.Wait()
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops every connection, and unblocks Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	cancel := s.cancel
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}

// handle runs one connection: subscribe handshake, then the event loop.
// The handshake is exchanged in JSON; the negotiated codec takes over
// from the first post-handshake frame.
func (s *Server) handle(ctx context.Context, connID id.ConnID, conn net.Conn) {
	handshake := Codec(&JSONCodec{})
	w := &connWriter{conn: conn, codec: handshake}

	req, err := readFrame(conn, handshake)
	if err != nil {
		return
	}
	if req.Type != FrameRequest || req.Method != MethodSubscribe {
		_ = w.write(NewErrorFrame(req.ID, ErrCodeBadRequest, "expected subscribe request"))
		return
	}

	var sub SubscribeRequest
	if err := json.Unmarshal(req.Data, &sub); err != nil {
		_ = w.write(NewErrorFrame(req.ID, ErrCodeBadRequest, "malformed subscribe payload"))
		return
	}
	wfID, err := id.ParseWorkflowID(sub.WorkflowID)
	if err != nil {
		_ = w.write(NewErrorFrame(req.ID, ErrCodeBadRequest, "invalid workflow id"))
		return
	}

	streamCodec := s.codec
	if sub.Format != "" {
		streamCodec = GetCodec(sub.Format)
	}

	obs, err := s.hub.Connect(ctx, wfID, sub.AfterSeq)
	if err != nil {
		code := ErrCodeInternal
		if errors.Is(err, runwire.ErrWorkflowNotFound) {
			code = ErrCodeNotFound
		}
		_ = w.write(NewErrorFrame(req.ID, code, err.Error()))
		return
	}
	defer s.hub.Disconnect(obs)

	resp, err := NewResponseFrame(req.ID, SubscribeResponse{
		Channel: wfID.String(),
		Format:  streamCodec.Name(),
	})
	if err != nil {
		return
	}
	if err := w.write(resp); err != nil {
		return
	}
	w.setCodec(streamCodec)

	s.logger.Debug("connection subscribed",
		slog.String("conn_id", connID.String()),
		slog.String("workflow_id", wfID.String()),
		slog.Int64("after_seq", sub.AfterSeq),
		slog.String("format", streamCodec.Name()),
	)

	// Reader side: pongs for pings, disconnect on unsubscribe or any
	// read error (including the peer going away).
	go func() {
		defer s.hub.Disconnect(obs)
		for {
			f, err := readFrame(conn, streamCodec)
			if err != nil {
				return
			}
			switch {
			case f.Type == FramePing:
				_ = w.write(&Frame{ID: GenerateFrameID(), Type: FramePong, CorrelID: f.ID})
			case f.Type == FrameRequest && f.Method == MethodUnsubscribe:
				return
			}
		}
	}()

	channel := wfID.String()
	for {
		select {
		case evt, ok := <-obs.Events():
			if !ok {
				if errors.Is(obs.Err(), runwire.ErrObserverOverflow) {
					_ = w.write(NewErrorFrame("", ErrCodeOverflow, "observer overflow, reconnect to resume"))
				}
				return
			}
			f, err := NewEventFrame(channel, evt)
			if err != nil {
				s.logger.Warn("encode event failed", slog.String("error", err.Error()))
				continue
			}
			if err := w.write(f); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// connWriter serializes frame writes from the event loop and the reader
// goroutine onto one connection.
type connWriter struct {
	mu    sync.Mutex
	conn  net.Conn
	codec Codec
}

func (w *connWriter) write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFrame(w.conn, w.codec, f)
}

func (w *connWriter) setCodec(c Codec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.codec = c
}

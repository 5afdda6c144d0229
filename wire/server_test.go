package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/Boykai/runwire"
	"github.com/Boykai/runwire/backoff"
	"github.com/Boykai/runwire/event"
	"github.com/Boykai/runwire/id"
	"github.com/Boykai/runwire/store/memory"
	"github.com/Boykai/runwire/stream"
	"github.com/Boykai/runwire/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serverFixture struct {
	store *memory.Store
	bus   *event.Bus
	hub   *stream.Hub
	srv   *Server
	addr  string
	wf    *workflow.Workflow
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	st := memory.New()
	bus := event.NewBus(event.WithLogger(testLogger()))
	hub := stream.NewHub(st, bus, stream.WithLogger(testLogger()))
	srv := NewServer(hub, WithServerLogger(testLogger()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		hub.Close()
	})

	wf, err := workflow.New(workflow.Plan{Steps: []workflow.StepSpec{
		{Name: "stepA"},
		{Name: "stepB"},
	}})
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	return &serverFixture{
		store: st,
		bus:   bus,
		hub:   hub,
		srv:   srv,
		addr:  ln.Addr().String(),
		wf:    wf,
	}
}

func (f *serverFixture) event(seq int64, step string) *workflow.Event {
	return &workflow.Event{
		WorkflowID:     f.wf.ID,
		StepName:       step,
		OldStatus:      string(workflow.StepPending),
		NewStatus:      string(workflow.StepRunning),
		WorkflowStatus: workflow.StatusRunning,
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
	}
}

func (f *serverFixture) commit(t *testing.T, events ...*workflow.Event) {
	t.Helper()
	f.wf.LastSequence = events[len(events)-1].Sequence
	if err := f.store.UpdateWorkflow(context.Background(), f.wf, events); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	for _, evt := range events {
		f.bus.Publish(evt)
	}
}

func recvStream(t *testing.T, st *Stream) *workflow.Event {
	t.Helper()
	select {
	case evt, ok := <-st.Events():
		if !ok {
			t.Fatalf("stream closed: %v", st.Err())
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestServerStreamsReplayThenLive(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	f.commit(t, f.event(1, "stepA"), f.event(2, "stepA"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(f.addr, WithClientLogger(testLogger()))
	st := client.Subscribe(ctx, f.wf.ID, 0)
	defer st.Close()

	if got := recvStream(t, st).Sequence; got != 1 {
		t.Errorf("Sequence = %d, want 1", got)
	}
	if got := recvStream(t, st).Sequence; got != 2 {
		t.Errorf("Sequence = %d, want 2", got)
	}

	f.commit(t, f.event(3, "stepB"))
	evt := recvStream(t, st)
	if evt.Sequence != 3 || evt.StepName != "stepB" {
		t.Errorf("live event = %+v, want stepB seq 3", evt)
	}
}

func TestServerResumesAfterSequence(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	f.commit(t, f.event(1, "stepA"), f.event(2, "stepA"), f.event(3, "stepB"), f.event(4, "stepB"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(f.addr, WithClientLogger(testLogger()))
	st := client.Subscribe(ctx, f.wf.ID, 2)
	defer st.Close()

	if got := recvStream(t, st).Sequence; got != 3 {
		t.Errorf("first Sequence = %d, want 3", got)
	}
	if got := recvStream(t, st).Sequence; got != 4 {
		t.Errorf("second Sequence = %d, want 4", got)
	}
}

// A msgpack client against a default-JSON server: the subscribe request
// names the codec and the server follows it for the stream.
func TestServerNegotiatesMsgpack(t *testing.T) {
	t.Parallel()

	st := memory.New()
	bus := event.NewBus(event.WithLogger(testLogger()))
	hub := stream.NewHub(st, bus, stream.WithLogger(testLogger()))
	srv := NewServer(hub, WithServerLogger(testLogger()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		_ = srv.Close()
		hub.Close()
	}()

	wf, err := workflow.New(workflow.Plan{Steps: []workflow.StepSpec{{Name: "stepA"}}})
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	ctx := context.Background()
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	evt := &workflow.Event{
		WorkflowID:     wf.ID,
		StepName:       "stepA",
		OldStatus:      string(workflow.StepPending),
		NewStatus:      string(workflow.StepRunning),
		WorkflowStatus: workflow.StatusRunning,
		Sequence:       1,
		Timestamp:      time.Now().UTC(),
	}
	wf.LastSequence = 1
	if err := st.UpdateWorkflow(ctx, wf, []*workflow.Event{evt}); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	client := NewClient(ln.Addr().String(), WithClientLogger(testLogger()), WithClientCodec(&MsgpackCodec{}))
	stream := client.Subscribe(cctx, wf.ID, 0)
	defer stream.Close()

	if got := recvStream(t, stream).Sequence; got != 1 {
		t.Errorf("Sequence = %d, want 1", got)
	}
}

func TestSubscribeUnknownWorkflow(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(f.addr, WithClientLogger(testLogger()))
	st := client.Subscribe(ctx, id.NewWorkflowID(), 0)

	select {
	case _, ok := <-st.Events():
		if ok {
			t.Fatal("expected no events for unknown workflow")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
	if err := st.Err(); !errors.Is(err, runwire.ErrWorkflowNotFound) {
		t.Errorf("Err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestServerRejectsNonSubscribeFirstFrame(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	codec := &JSONCodec{}

	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, codec, &Frame{ID: "p-1", Type: FramePing}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	resp, err := readFrame(conn, codec)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("frame = %+v, want bad request error", resp)
	}
}

// The subscribe response echoes the negotiated format, and the handshake
// itself stays JSON even when the stream will not be.
func TestSubscribeResponseEchoesFormat(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t)
	codec := &JSONCodec{}

	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := NewRequestFrame("r-1", MethodSubscribe, SubscribeRequest{
		WorkflowID: f.wf.ID.String(),
		Format:     CodecNameMsgpack,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	if err := writeFrame(conn, codec, req); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	resp, err := readFrame(conn, codec)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if resp.Type != FrameResponse || resp.CorrelID != "r-1" {
		t.Fatalf("frame = %+v, want response to r-1", resp)
	}
	var sr SubscribeResponse
	if err := json.Unmarshal(resp.Data, &sr); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if sr.Format != CodecNameMsgpack {
		t.Errorf("Format = %q, want %q", sr.Format, CodecNameMsgpack)
	}
}

// The client resumes from its last delivered sequence when the
// connection drops mid-stream. A hand-rolled server drops the first
// connection after two events and verifies the second subscribe picks
// up at sequence 2.
func TestClientResumesAcrossReconnect(t *testing.T) {
	t.Parallel()

	codec := &JSONCodec{}
	wfID := id.NewWorkflowID()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	mkEvent := func(seq int64) *workflow.Event {
		return &workflow.Event{
			WorkflowID:     wfID,
			StepName:       "stepA",
			OldStatus:      string(workflow.StepPending),
			NewStatus:      string(workflow.StepRunning),
			WorkflowStatus: workflow.StatusRunning,
			Sequence:       seq,
			Timestamp:      time.Now().UTC(),
		}
	}

	serve := func(conn net.Conn, seqs []int64, wantAfter int64) error {
		defer conn.Close()
		req, err := readFrame(conn, codec)
		if err != nil {
			return err
		}
		var sub SubscribeRequest
		if err := json.Unmarshal(req.Data, &sub); err != nil {
			return err
		}
		if sub.AfterSeq != wantAfter {
			t.Errorf("AfterSeq = %d, want %d", sub.AfterSeq, wantAfter)
		}
		resp, err := NewResponseFrame(req.ID, SubscribeResponse{Channel: sub.WorkflowID})
		if err != nil {
			return err
		}
		if err := writeFrame(conn, codec, resp); err != nil {
			return err
		}
		for _, seq := range seqs {
			f, err := NewEventFrame(sub.WorkflowID, mkEvent(seq))
			if err != nil {
				return err
			}
			if err := writeFrame(conn, codec, f); err != nil {
				return err
			}
		}
		return nil
	}

	srvErr := make(chan error, 2)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		srvErr <- serve(conn, []int64{1, 2}, 0)

		conn, err = ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		err = serve(conn, []int64{3, 4}, 2)
		srvErr <- err
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ln.Addr().String(),
		WithClientLogger(testLogger()),
		WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	st := client.Subscribe(ctx, wfID, 0)
	defer st.Close()

	for want := int64(1); want <= 4; want++ {
		if got := recvStream(t, st).Sequence; got != want {
			t.Fatalf("Sequence = %d, want %d", got, want)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-srvErr:
			if err != nil {
				t.Fatalf("fake server: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("fake server did not finish")
		}
	}
}

package wire

import (
	"net"
	"testing"
	"time"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codecs := []Codec{&JSONCodec{}, &MsgpackCodec{}}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			t.Parallel()

			f, err := NewRequestFrame("frame-1", MethodSubscribe, SubscribeRequest{
				WorkflowID: "wf_01h455vb4pex5vsknk084sn02q",
				AfterSeq:   7,
			})
			if err != nil {
				t.Fatalf("NewRequestFrame: %v", err)
			}

			data, err := codec.Encode(f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if got.ID != "frame-1" || got.Type != FrameRequest || got.Method != MethodSubscribe {
				t.Errorf("envelope = %+v", got)
			}
			if string(got.Data) != string(f.Data) {
				t.Errorf("Data = %s, want %s", got.Data, f.Data)
			}
		})
	}
}

func TestErrorFrame(t *testing.T) {
	t.Parallel()

	f := NewErrorFrame("req-9", ErrCodeNotFound, "workflow missing")
	if f.Type != FrameErr || f.CorrelID != "req-9" {
		t.Errorf("frame = %+v", f)
	}
	if f.Error.Code != ErrCodeNotFound || f.Error.Message != "workflow missing" {
		t.Errorf("Error = %+v", f.Error)
	}
}

func TestGetCodec(t *testing.T) {
	t.Parallel()

	if got := GetCodec(CodecNameMsgpack).Name(); got != CodecNameMsgpack {
		t.Errorf("GetCodec(msgpack) = %q", got)
	}
	if got := GetCodec("").Name(); got != CodecNameJSON {
		t.Errorf("GetCodec(\"\") = %q, want json default", got)
	}
	if got := GetCodec("unknown").Name(); got != CodecNameJSON {
		t.Errorf("GetCodec(unknown) = %q, want json fallback", got)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	codec := &JSONCodec{}
	sent := NewErrorFrame("c-1", ErrCodeConflict, "already terminal")

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeFrame(client, codec, sent)
	}()

	got, err := readFrame(server, codec)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if got.CorrelID != "c-1" || got.Error.Code != ErrCodeConflict {
		t.Errorf("frame = %+v", got)
	}
}

func TestFrameIDsDistinct(t *testing.T) {
	t.Parallel()

	a := GenerateFrameID()
	time.Sleep(time.Microsecond)
	b := GenerateFrameID()
	if a == b {
		t.Errorf("consecutive frame IDs collide: %s", a)
	}
}

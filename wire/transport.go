package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps a single encoded frame at 4 MiB. Anything larger is
// a protocol violation, not a legitimate event.
const MaxFrameSize = 4 << 20

// writeFrame encodes f and writes it with a 4-byte big-endian length
// prefix.
func writeFrame(w io.Writer, codec Codec, f *Frame) error {
	data, err := codec.Encode(f)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit", len(data))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readFrame reads one length-prefixed frame and decodes it.
func readFrame(r io.Reader, codec Codec) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	f, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}

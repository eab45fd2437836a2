package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	frameHeaderBytes = 4
	readChunkBytes   = 4096

	// DefaultMaxFrameBytes bounds a single frame payload when no limit is configured.
	DefaultMaxFrameBytes = 64 << 10
)

// ProtocolError reports a frame that cannot be decoded. The session that
// produced it must be terminated.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encoder writes values as length-prefixed JSON frames.
type Encoder struct {
	writer   io.Writer
	maxFrame int
}

// Decoder reads length-prefixed JSON frames.
//
// Bytes read from the stream are kept across calls, so a read that fails with a
// timeout in the middle of a frame can be retried without losing framing, and
// several frames delivered by one read are returned one at a time.
type Decoder struct {
	reader   io.Reader
	maxFrame int
	buf      []byte
	chunk    []byte
}

// NewEncoder creates a new encoder for the given writer.
func NewEncoder(w io.Writer, maxFrame int) *Encoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Encoder{writer: w, maxFrame: maxFrame}
}

// NewDecoder creates a new decoder for the given reader.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{reader: r, maxFrame: maxFrame, chunk: make([]byte, readChunkBytes)}
}

// Encode writes v as one frame.
func (e *Encoder) Encode(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > e.maxFrame {
		return &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(data), e.maxFrame)}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := make([]byte, frameHeaderBytes+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderBytes:], data)

	_, err = e.writer.Write(frame)
	return err
}

// Decode reads the next frame and unmarshals it into v.
func (d *Decoder) Decode(ctx context.Context, v any) error {
	payload, err := d.Next(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &ProtocolError{Reason: "invalid json payload", Err: err}
	}
	return nil
}

// Next returns the payload of the next complete frame, reading from the stream
// as needed. A stream that ends between frames yields io.EOF; one that ends
// inside a frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Next(ctx context.Context) ([]byte, error) {
	for {
		payload, ok, err := d.frame()
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := d.reader.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if err != nil {
			if err == io.EOF && len(d.buf) > 0 {
				if _, ok, ferr := d.frame(); ferr == nil && !ok {
					return nil, io.ErrUnexpectedEOF
				}
				continue
			}
			return nil, err
		}
	}
}

// Buffered reports how many undecoded bytes are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) frame() ([]byte, bool, error) {
	if len(d.buf) < frameHeaderBytes {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf[:frameHeaderBytes])
	if length == 0 {
		return nil, false, &ProtocolError{Reason: "frame length zero"}
	}
	if uint64(length) > uint64(d.maxFrame) {
		return nil, false, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", length, d.maxFrame)}
	}
	end := frameHeaderBytes + int(length)
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[frameHeaderBytes:end])
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

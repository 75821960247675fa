package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame when the caller does not
// provide its own limit.
const DefaultMaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrMalformed     = errors.New("wire: malformed frame")
	ErrReservedField = errors.New("wire: payload uses a reserved field")
)

// Marshaler is implemented by every message that can be framed.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// WriteFrame writes buf prefixed by its varint-encoded length.
//
// The prefix and the body are written with a single Write so concurrent
// writers on a datagram-like transport never interleave half frames.
func WriteFrame(w io.Writer, buf []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(buf) > maxSize {
		return ErrFrameTooLarge
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

// WriteMessage marshals msg and writes it as a frame.
func WriteMessage(w io.Writer, msg Marshaler, maxSize int) error {
	buf, err := msg.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, buf, maxSize)
}

// ReadFrame reads a single length-prefixed frame. The prefix is consumed
// byte by byte so no data belonging to the next frame is buffered away.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(buf) {
			return nil, ErrMalformed
		}
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m == 0 {
			continue
		}
		n++
		if buf[n-1] < 0x80 {
			break
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if prefix > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, prefix)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

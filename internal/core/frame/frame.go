// Package frame implements the upstream's length-prefixed binary framing.
//
// Every frame is laid out as [1-byte flag][4-byte big-endian length][payload].
// Flags 0 and 1 carry protobuf payloads (1 = gzip), flags 2 and 3 carry a JSON
// side channel (3 = gzip).
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Flag identifies the payload encoding of a frame.
type Flag byte

const (
	FlagProto     Flag = 0x00
	FlagProtoGzip Flag = 0x01
	FlagJSON      Flag = 0x02
	FlagJSONGzip  Flag = 0x03
)

// HeaderSize is the fixed size of a frame header.
const HeaderSize = 5

// Compressed reports whether the payload is gzip-compressed.
func (f Flag) Compressed() bool {
	return f == FlagProtoGzip || f == FlagJSONGzip
}

// Header describes a single frame.
type Header struct {
	Flag   Flag
	Length uint32
}

var (
	// ErrShortFrame is returned when a buffer ends inside a frame.
	ErrShortFrame = errors.New("frame truncated")

	// ErrSchema marks a request that does not fit the upstream schema.
	ErrSchema = errors.New("request does not match upstream schema")
)

// ParseHeader reads the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	return Header{
		Flag:   Flag(b[0]),
		Length: binary.BigEndian.Uint32(b[1:HeaderSize]),
	}, nil
}

// Append writes one frame carrying payload to dst.
func Append(dst []byte, flag Flag, payload []byte) []byte {
	var header [HeaderSize]byte
	header[0] = byte(flag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// Encode wraps payload in a single frame, compressing it when flag asks for gzip.
func Encode(flag Flag, payload []byte) ([]byte, error) {
	if flag.Compressed() {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
	}
	return Append(make([]byte, 0, HeaderSize+len(payload)), flag, payload), nil
}

func gzipBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	defer zr.Close() // nolint:errcheck // reader over memory

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	return out, nil
}

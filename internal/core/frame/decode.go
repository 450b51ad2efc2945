package frame

import (
	"bytes"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Fragment is the text decoded from one or more response frames.
type Fragment struct {
	Thinking    string `json:"thinking,omitempty"`
	Text        string `json:"text,omitempty"`
	RateLimited bool   `json:"rate_limited"`
}

// Empty reports whether the fragment carries no text at all.
func (f Fragment) Empty() bool {
	return f.Thinking == "" && f.Text == ""
}

// Decoder turns response frames into fragments. Logger is optional and
// receives side-channel payloads and per-frame decode failures.
type Decoder struct {
	Logger *logging.Logger
}

// DecodeFrameStream decodes every complete frame in chunk. A frame whose
// payload cannot be decoded is skipped; a truncated trailing frame ends the scan.
func (d Decoder) DecodeFrameStream(chunk []byte) Fragment {
	frag, _ := d.decode(chunk)
	return frag
}

func (d Decoder) decode(chunk []byte) (Fragment, int) {
	var thinking, text strings.Builder
	offset := 0

	for offset < len(chunk) {
		header, err := ParseHeader(chunk[offset:])
		if err != nil {
			break
		}
		end := offset + HeaderSize + int(header.Length)
		if end > len(chunk) || end < offset {
			break
		}
		payload := chunk[offset+HeaderSize : end]
		offset = end

		switch header.Flag {
		case FlagProto, FlagProtoGzip:
			resp, err := d.protoPayload(header.Flag, payload)
			if err != nil {
				d.warn("skipping undecodable response frame", zap.Error(err), zap.Uint32("length", header.Length))
				continue
			}
			thinking.WriteString(resp.Thinking)
			text.WriteString(resp.Content)
		case FlagJSON, FlagJSONGzip:
			d.sideChannel(header.Flag, payload)
		default:
			d.debug("skipping frame with unknown flag", zap.Uint8("flag", uint8(header.Flag)))
		}
	}

	out := Fragment{Thinking: thinking.String(), Text: text.String()}
	out.RateLimited = IsRateLimited(out.Text)
	return out, offset
}

func (d Decoder) protoPayload(flag Flag, payload []byte) (chatResponse, error) {
	if flag.Compressed() {
		raw, err := gunzipBytes(payload)
		if err != nil {
			return chatResponse{}, err
		}
		payload = raw
	}
	return decodeChatResponse(payload)
}

func (d Decoder) sideChannel(flag Flag, payload []byte) {
	if flag.Compressed() {
		raw, err := gunzipBytes(payload)
		if err != nil {
			d.warn("skipping undecodable side-channel frame", zap.Error(err))
			return
		}
		payload = raw
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return
	}
	d.warn("upstream side-channel message", zap.ByteString("payload", trimmed))
}

func (d Decoder) warn(msg string, fields ...zap.Field) {
	if d.Logger != nil {
		d.Logger.Warn(msg, fields...)
	}
}

func (d Decoder) debug(msg string, fields ...zap.Field) {
	if d.Logger != nil {
		d.Logger.Debug(msg, fields...)
	}
}

// StreamDecoder decodes a response body chunk by chunk, holding back any
// frame that straddles a chunk boundary until it is complete.
type StreamDecoder struct {
	Decoder Decoder

	pending []byte
}

// Write decodes the complete frames available after appending chunk.
func (s *StreamDecoder) Write(chunk []byte) Fragment {
	buf := chunk
	if len(s.pending) > 0 {
		buf = append(s.pending, chunk...)
	}
	frag, consumed := s.Decoder.decode(buf)
	s.pending = append([]byte(nil), buf[consumed:]...)
	return frag
}

// Pending returns the number of buffered bytes awaiting a complete frame.
func (s *StreamDecoder) Pending() int {
	return len(s.pending)
}

package frame

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the upstream chat request.
const (
	reqFieldRequest = 1

	reqMessages      = 1
	reqUnknown2      = 2
	reqInstruction   = 3
	reqUnknown4      = 4
	reqModel         = 5
	reqWebTool       = 8
	reqUnknown13     = 13
	reqCursorSetting = 15
	reqUnknown19     = 19
	reqConversation  = 23
	reqMetadata      = 26
	reqUnknown27     = 27
	reqMessageIDs    = 30
	reqLargeContext  = 35
	reqUnknown38     = 38
	reqChatModeEnum  = 46
	reqUnknown47     = 47
	reqUnknown48     = 48
	reqUnknown49     = 49
	reqUnknown51     = 51
	reqUnknown53     = 53
	reqChatMode      = 54

	msgContent      = 1
	msgRole         = 2
	msgID           = 13
	msgChatModeEnum = 47

	idMessageID = 1
	idSummaryID = 2
	idRole      = 3
)

// Field numbers of the upstream chat response.
const (
	respMessage         = 2
	respMessageContent  = 1
	respMessageThinking = 25
	respThinkingContent = 1

	modelsList      = 2
	modelsEntryName = 1
)

// wire is a small append-only protobuf message builder.
type wire []byte

func (w wire) str(num protowire.Number, s string) wire {
	w = protowire.AppendTag(w, num, protowire.BytesType)
	return protowire.AppendString(w, s)
}

func (w wire) varint(num protowire.Number, v uint64) wire {
	w = protowire.AppendTag(w, num, protowire.VarintType)
	return protowire.AppendVarint(w, v)
}

func (w wire) msg(num protowire.Number, sub wire) wire {
	w = protowire.AppendTag(w, num, protowire.BytesType)
	return protowire.AppendBytes(w, sub)
}

// field is one decoded length-delimited or varint field.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	value uint64
}

// walk iterates the top-level fields of a protobuf message.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			f.bytes = v
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			f.value = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// chatResponse is the subset of the upstream response the proxy consumes.
type chatResponse struct {
	Content     string
	HasContent  bool
	Thinking    string
	HasThinking bool
}

func decodeChatResponse(b []byte) (chatResponse, error) {
	var out chatResponse
	err := walk(b, func(f field) error {
		if f.num != respMessage || f.typ != protowire.BytesType {
			return nil
		}
		return walk(f.bytes, func(m field) error {
			switch {
			case m.num == respMessageContent && m.typ == protowire.BytesType:
				out.Content += string(m.bytes)
				out.HasContent = true
			case m.num == respMessageThinking && m.typ == protowire.BytesType:
				return walk(m.bytes, func(t field) error {
					if t.num == respThinkingContent && t.typ == protowire.BytesType {
						out.Thinking += string(t.bytes)
						out.HasThinking = true
					}
					return nil
				})
			}
			return nil
		})
	})
	return out, err
}

// EncodeChatResponse builds an upstream response payload. Used to synthesize
// replies in tests and local tooling.
func EncodeChatResponse(thinking, content string) []byte {
	var message wire
	if content != "" {
		message = message.str(respMessageContent, content)
	}
	if thinking != "" {
		message = message.msg(respMessageThinking, wire(nil).str(respThinkingContent, thinking))
	}
	return wire(nil).msg(respMessage, message)
}

// EncodeResponseFrame wraps EncodeChatResponse in a single uncompressed frame.
func EncodeResponseFrame(thinking, content string) []byte {
	return Append(nil, FlagProto, EncodeChatResponse(thinking, content))
}

// DecodeModels extracts model names from an AvailableModels response body.
func DecodeModels(b []byte) ([]string, error) {
	names := []string{}
	err := walk(b, func(f field) error {
		if f.num != modelsList || f.typ != protowire.BytesType {
			return nil
		}
		return walk(f.bytes, func(m field) error {
			if m.num == modelsEntryName && m.typ == protowire.BytesType {
				names = append(names, string(m.bytes))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// EncodeModels builds an AvailableModels response body.
func EncodeModels(names ...string) []byte {
	var out wire
	for _, name := range names {
		out = out.msg(modelsList, wire(nil).str(modelsEntryName, name))
	}
	return out
}

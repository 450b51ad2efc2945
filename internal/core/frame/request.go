package frame

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cursorgate/cursorgate/internal/core"
)

// CompressionThreshold is the chat turn count at which request payloads are gzipped.
const CompressionThreshold = 3

// Fixed client fingerprint sent in request metadata.
const (
	clientOS       = "win32"
	clientArch     = "x64"
	clientOSVer    = "10.0.22631"
	clientShell    = "C:\\Program Files\\PowerShell\\7\\pwsh.exe"
	cursorSetting  = "cursor\\aisettings"
	chatModeAsk    = "Ask"
	roleEnumUser   = 1
	roleEnumAssist = 2
)

// RequestBuilder serializes chat requests. The zero value uses wall-clock time
// and random uuids.
type RequestBuilder struct {
	Now   func() time.Time
	NewID func() string
}

// BuildRequestFrame encodes messages for model with a zero RequestBuilder.
func BuildRequestFrame(messages []core.Message, model string) ([]byte, error) {
	return RequestBuilder{}.Build(messages, model)
}

// Build encodes messages for model into a single request frame.
func (b RequestBuilder) Build(messages []core.Message, model string) ([]byte, error) {
	payload, turns, err := b.payload(messages, model)
	if err != nil {
		return nil, err
	}

	flag := FlagProto
	if turns >= CompressionThreshold {
		flag = FlagProtoGzip
	}
	return Encode(flag, payload)
}

func (b RequestBuilder) payload(messages []core.Message, model string) ([]byte, int, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, 0, fmt.Errorf("%w: model is required", ErrSchema)
	}

	var instructions []string
	var body wire
	var ids wire
	turns := 0
	for i, msg := range messages {
		switch msg.Role {
		case core.RoleSystem:
			instructions = append(instructions, msg.Content)
			continue
		case core.RoleUser, core.RoleAssistant:
		default:
			return nil, 0, fmt.Errorf("%w: message %d has unsupported role %q", ErrSchema, i, msg.Role)
		}

		role := uint64(roleEnumAssist)
		if msg.Role == core.RoleUser {
			role = roleEnumUser
		}
		id := b.newID()

		var m wire
		m = m.str(msgContent, msg.Content)
		m = m.varint(msgRole, role)
		m = m.str(msgID, id)
		if role == roleEnumUser {
			m = m.varint(msgChatModeEnum, 1)
		}
		body = body.msg(reqMessages, m)

		var ref wire
		ref = ref.str(idMessageID, id)
		ref = ref.str(idSummaryID, "")
		ref = ref.varint(idRole, role)
		ids = ids.msg(reqMessageIDs, ref)
		turns++
	}
	if turns == 0 {
		return nil, 0, fmt.Errorf("%w: at least one user or assistant message is required", ErrSchema)
	}

	body = body.varint(reqUnknown2, 1)
	body = body.msg(reqInstruction, wire(nil).str(1, strings.Join(instructions, "\n")))
	body = body.varint(reqUnknown4, 1)
	body = body.msg(reqModel, wire(nil).str(1, model).str(4, ""))
	body = body.str(reqWebTool, "")
	body = body.varint(reqUnknown13, 1)

	var setting wire
	setting = setting.str(1, cursorSetting)
	setting = setting.varint(3, 1)
	setting = setting.msg(6, wire(nil).varint(1, 1).varint(2, 1))
	setting = setting.varint(8, 1)
	setting = setting.varint(9, 1)
	body = body.msg(reqCursorSetting, setting)

	body = body.varint(reqUnknown19, 1)
	body = body.str(reqConversation, b.newID())

	var meta wire
	meta = meta.str(1, clientOS)
	meta = meta.str(2, clientArch)
	meta = meta.str(3, clientOSVer)
	meta = meta.str(4, clientShell)
	meta = meta.str(5, b.now().UTC().Format(time.RFC3339Nano))
	body = body.msg(reqMetadata, meta)

	body = body.varint(reqUnknown27, 0)
	body = append(body, ids...)
	body = body.varint(reqLargeContext, 0)
	body = body.varint(reqUnknown38, 0)
	body = body.varint(reqChatModeEnum, 1)
	body = body.str(reqUnknown47, "")
	body = body.varint(reqUnknown48, 0)
	body = body.varint(reqUnknown49, 0)
	body = body.varint(reqUnknown51, 0)
	body = body.varint(reqUnknown53, 1)
	body = body.str(reqChatMode, chatModeAsk)

	return wire(nil).msg(reqFieldRequest, body), turns, nil
}

func (b RequestBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b RequestBuilder) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

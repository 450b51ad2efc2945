package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	apperrors "github.com/cursorgate/cursorgate/internal/errors"
	"github.com/cursorgate/cursorgate/internal/server/middleware"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

const (
	// DefaultMaxAttempts bounds upstream attempts per inbound request.
	DefaultMaxAttempts = 20

	// TierHeader selects the premium pool when privileged routing is on.
	TierHeader = "X-Cursor-Tier"

	checksumHeader = "X-Cursor-Checksum"
	maxBodyBytes   = 8 << 20
	readChunkSize  = 32 * 1024
)

// Upstream is the slice of the upstream client used by the OpenAI API.
type Upstream interface {
	StreamChat(ctx context.Context, token string, chat upstream.Chat) (*http.Response, error)
	AvailableModels(ctx context.Context, token, checksum string) (*http.Response, error)
}

// Pool exposes the usable credential values of the store.
type Pool interface {
	Usable(kind core.Kind) []string
}

// UsageRecorder counts successful use of a credential.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, token string) error
}

// Nudger schedules a background recovery pass.
type Nudger interface {
	Nudge(ctx context.Context) bool
}

// OpenAI serves the OpenAI-compatible chat and model endpoints.
type OpenAI struct {
	Upstream Upstream
	Retry    *retry.Orchestrator
	Pool     Pool
	Usage    UsageRecorder
	Recovery Nudger
	Logger   *logging.Logger

	// EnvCredentials are the comma-separated AUTH_COOKIE values.
	EnvCredentials string
	// Privileged enables premium routing via TierHeader.
	Privileged  bool
	MaxAttempts int
	Now         func() time.Time
}

// ResolveCredentials picks the raw credential string for r. A valid client
// key or a non-empty configured pool yields the pool; otherwise a bearer
// token that is not a client key is used as the raw credential.
func (h *OpenAI) ResolveCredentials(r *http.Request) string {
	if pool := h.configuredPool(r); pool != "" {
		return pool
	}
	if _, ok := middleware.APIKeyFromContext(r.Context()); ok {
		return ""
	}
	token := middleware.BearerToken(r)
	if token == "" || strings.HasPrefix(token, middleware.APIKeyPrefix) {
		return ""
	}
	return token
}

func (h *OpenAI) configuredPool(r *http.Request) string {
	kind := core.KindNormal
	if h.Privileged {
		kind = core.ParseKind(r.Header.Get(TierHeader))
	}

	var values []string
	if env := strings.TrimSpace(h.EnvCredentials); env != "" {
		values = append(values, env)
	}
	if h.Pool != nil {
		values = append(values, h.Pool.Usable(kind)...)
	}
	return strings.Join(values, ",")
}

// Models handles GET /v1/models.
func (h *OpenAI) Models(w http.ResponseWriter, r *http.Request) {
	raw := h.ResolveCredentials(r)
	if raw == "" {
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), retry.ErrNoCredential))
		return
	}

	orchestrator := *h.Retry
	orchestrator.InspectBody = false

	checksum := r.Header.Get(checksumHeader)
	result, err := orchestrator.Run(r.Context(), func(ctx context.Context, token string) (*http.Response, error) {
		return h.Upstream.AvailableModels(ctx, token, checksum)
	}, h.maxAttempts(), raw)
	if err != nil {
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), err))
		return
	}

	resp := *result.Response
	resp.Body = result.Body
	names, err := upstream.ReadModels(&resp)
	if err != nil {
		respondWithError(w, r, apperrors.WrapExternalService(r.Context(), err, "Unable to decode upstream model list"))
		return
	}

	created := h.now().Unix()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, modelEntry{ID: name, Created: created, Object: "model", OwnedBy: "cursor"})
	}
	writeJSON(w, http.StatusOK, list)
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAI) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Request body is not valid JSON"))
		return
	}
	if len(req.Messages) == 0 {
		respondWithError(w, r, apperrors.NewInvalidInputError("messages must be a non-empty array"))
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("model is required"))
		return
	}

	raw := h.ResolveCredentials(r)
	if raw == "" {
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), retry.ErrNoCredential))
		return
	}

	chat := upstream.Chat{
		Messages: toCoreMessages(req.Messages),
		Model:    req.Model,
		Checksum: r.Header.Get(checksumHeader),
	}
	attempt := func(ctx context.Context, token string) (*http.Response, error) {
		return h.Upstream.StreamChat(ctx, token, chat)
	}
	if !req.Stream {
		attempt = h.buffered(attempt)
	}
	result, err := h.Retry.Run(r.Context(), attempt, h.maxAttempts(), raw)
	if err != nil {
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), err))
		return
	}
	defer result.Body.Close() // nolint:errcheck // best-effort cleanup

	h.recordUsage(r.Context(), result.Token)

	id := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		h.stream(w, r, result, id, req.Model)
	} else {
		h.aggregate(w, r, result, id, req.Model)
	}

	if h.Recovery != nil {
		h.Recovery.Nudge(r.Context())
	}
}

func (h *OpenAI) stream(w http.ResponseWriter, r *http.Request, result *retry.Result, id, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	created := h.now().Unix()

	err := h.decode(r.Context(), result, func(content string) error {
		chunk := completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: content}}},
		}
		if err := writeEvent(w, chunk); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && r.Context().Err() == nil {
		h.warn("stream interrupted", zap.String("id", id), zap.Error(err))
		message := "Stream processing error"
		if errors.Is(err, context.DeadlineExceeded) {
			message = "Server response timeout"
		}
		_ = writeEvent(w, map[string]string{"error": message})
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}

func (h *OpenAI) aggregate(w http.ResponseWriter, r *http.Request, result *retry.Result, id, model string) {
	var content strings.Builder
	err := h.decode(r.Context(), result, func(s string) error {
		content.WriteString(s)
		return nil
	})
	if err != nil {
		respondWithError(w, r, apperrors.WrapUpstream(r.Context(), err))
		return
	}

	writeJSON(w, http.StatusOK, completion{
		ID:      id,
		Object:  "chat.completion",
		Created: h.now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      assistantMessage{Role: core.RoleAssistant, Content: content.String()},
			FinishReason: "stop",
		}},
	})
}

// buffered drains a successful answer inside the attempt. Nothing reaches
// the client before the whole body is in hand, so a sentinel anywhere in it
// rotates the credential like one in the first chunk.
func (h *OpenAI) buffered(attempt retry.AttemptFunc) retry.AttemptFunc {
	return func(ctx context.Context, token string) (*http.Response, error) {
		resp, err := attempt(ctx, token)
		if err != nil || resp == nil || resp.StatusCode != http.StatusOK || resp.Body == nil {
			return resp, err
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		if h.Retry.RateLimitEnabled && h.Retry.Decoder.DecodeFrameStream(body).RateLimited {
			return nil, retry.ErrRateLimited
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}
}

// decode feeds the upstream body through a StreamDecoder and emits each
// non-empty content delta. In stream mode a sentinel seen after the first
// chunk ends the stream and bans the credential.
func (h *OpenAI) decode(ctx context.Context, result *retry.Result, emit func(string) error) error {
	dec := frame.StreamDecoder{Decoder: h.Retry.Decoder}
	var tw thinkingWrapper
	buf := make([]byte, readChunkSize)

	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			frag := dec.Write(buf[:n])
			if frag.RateLimited && h.Retry.RateLimitEnabled {
				h.banLate(ctx, result.Token)
				return nil
			}
			if content := tw.apply(frag); content != "" {
				if err := emit(content); err != nil {
					return err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

func (h *OpenAI) banLate(ctx context.Context, token string) {
	h.warn("rate limit sentinel after first chunk")
	if h.Retry.Banner == nil {
		return
	}
	if err := h.Retry.Banner.BanValue(context.WithoutCancel(ctx), token); err != nil {
		h.warn("failed to record credential rate limit", zap.Error(err))
	}
}

func (h *OpenAI) recordUsage(ctx context.Context, token string) {
	if h.Usage == nil {
		return
	}
	if err := h.Usage.RecordUsage(ctx, token); err != nil {
		h.warn("failed to record credential usage", zap.Error(err))
	}
}

func (h *OpenAI) maxAttempts() int {
	if h.MaxAttempts > 0 {
		return h.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (h *OpenAI) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *OpenAI) warn(msg string, fields ...zap.Field) {
	if h.Logger != nil {
		h.Logger.Warn(msg, fields...)
	}
}

func toCoreMessages(in []chatMessage) []core.Message {
	out := make([]core.Message, 0, len(in))
	for _, m := range in {
		out = append(out, core.Message{Role: m.Role, Content: string(m.Content)})
	}
	return out
}

// messageBody is message content flattened to text.
type messageBody string

func (m *messageBody) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = messageBody(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts: %w", err)
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	*m = messageBody(strings.Join(texts, "\n"))
	return nil
}

func writeEvent(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

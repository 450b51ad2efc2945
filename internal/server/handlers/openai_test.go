package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/server/middleware"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

// fakeUpstream answers chat calls from a per-token script.
type fakeUpstream struct {
	mu     sync.Mutex
	bodies map[string][]byte
	// chunks, when set for a token, is served one slice per Read.
	chunks map[string][][]byte
	calls  []string
	models []string
	chats  []upstream.Chat
}

func (f *fakeUpstream) StreamChat(_ context.Context, token string, chat upstream.Chat) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	f.chats = append(f.chats, chat)
	if parts, ok := f.chunks[token]; ok {
		resp := response(nil)
		resp.Body = io.NopCloser(&chunkReader{parts: parts})
		return resp, nil
	}
	return response(f.bodies[token]), nil
}

// chunkReader returns one part per Read, like a stream arriving over time.
type chunkReader struct{ parts [][]byte }

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.parts[0])
	if n == len(c.parts[0]) {
		c.parts = c.parts[1:]
	} else {
		c.parts[0] = c.parts[0][n:]
	}
	return n, nil
}

func (f *fakeUpstream) AvailableModels(_ context.Context, token, _ string) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	return response(frame.EncodeModels(f.models...)), nil
}

func response(body []byte) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}
}

type fakeBanner struct{ banned []string }

func (f *fakeBanner) BanValue(_ context.Context, token string) error {
	f.banned = append(f.banned, token)
	return nil
}

type fakePool map[core.Kind][]string

func (p fakePool) Usable(kind core.Kind) []string { return p[kind] }

type fakeUsage struct{ tokens []string }

func (f *fakeUsage) RecordUsage(_ context.Context, token string) error {
	f.tokens = append(f.tokens, token)
	return nil
}

func newOpenAI(up Upstream, env string) (*OpenAI, *fakeBanner) {
	banner := &fakeBanner{}
	selector := rotation.NewSelector(rotation.Config{Enabled: true})
	selector.Sleep = func(context.Context, time.Duration) error { return nil }
	return &OpenAI{
		Upstream: up,
		Retry: &retry.Orchestrator{
			Rotator:          selector,
			Banner:           banner,
			RateLimitEnabled: true,
			InspectBody:      true,
		},
		EnvCredentials: env,
	}, banner
}

func postChat(t *testing.T, h *OpenAI, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)
	return rec
}

func TestChatCompletionAggregate(t *testing.T) {
	body := frame.EncodeResponseFrame("step one", "")
	body = append(body, frame.EncodeResponseFrame("", "answer")...)
	up := &fakeUpstream{bodies: map[string][]byte{"tok": body}}
	usage := &fakeUsage{}
	h, _ := newOpenAI(up, "user::tok")
	h.Usage = usage

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out completion
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gpt-4o", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "<thinking>\nstep one\n</thinking>\nanswer", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, []string{"tok"}, usage.tokens)
}

func TestChatCompletionStream(t *testing.T) {
	body := frame.EncodeResponseFrame("", "hel")
	body = append(body, frame.EncodeResponseFrame("", "lo")...)
	up := &fakeUpstream{bodies: map[string][]byte{"tok": body}}
	h, _ := newOpenAI(up, "tok")

	rec := postChat(t, h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.NotEmpty(t, events)
	assert.Equal(t, "data: [DONE]", events[len(events)-1])

	var content string
	for _, ev := range events[:len(events)-1] {
		var chunk completionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(ev, "data: ")), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		content += chunk.Choices[0].Delta.Content
	}
	assert.Equal(t, "hello", content)
}

func TestChatCompletionRotatesOnRateLimit(t *testing.T) {
	up := &fakeUpstream{bodies: map[string][]byte{
		"a": frame.EncodeResponseFrame("", frame.SentinelPlain),
		"b": frame.EncodeResponseFrame("", "from b"),
	}}
	h, banner := newOpenAI(up, "x::a,y::b")

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "from b")
	assert.Equal(t, []string{"a"}, banner.banned)
	assert.Equal(t, []string{"a", "b"}, up.calls)
}

func TestChatCompletionAggregateRotatesOnLateRateLimit(t *testing.T) {
	up := &fakeUpstream{
		chunks: map[string][][]byte{"a": {
			frame.EncodeResponseFrame("", "partial"),
			frame.EncodeResponseFrame("", frame.SentinelPlain),
		}},
		bodies: map[string][]byte{"b": frame.EncodeResponseFrame("", "from b")},
	}
	h, banner := newOpenAI(up, "x::a,y::b")

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out completion
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "from b", out.Choices[0].Message.Content)
	assert.Equal(t, []string{"a"}, banner.banned)
	assert.Equal(t, []string{"a", "b"}, up.calls)
}

func TestChatCompletionAggregateLateRateLimitEverywhere(t *testing.T) {
	late := func() [][]byte {
		return [][]byte{
			frame.EncodeResponseFrame("", ""),
			frame.EncodeResponseFrame("", frame.SentinelPlain),
		}
	}
	up := &fakeUpstream{chunks: map[string][][]byte{"a": late(), "b": late()}}
	h, banner := newOpenAI(up, "x::a,y::b")
	h.MaxAttempts = 2

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Equal(t, []string{"a", "b"}, banner.banned)
}

func TestChatCompletionStreamLateRateLimitEndsStream(t *testing.T) {
	up := &fakeUpstream{chunks: map[string][][]byte{"a": {
		frame.EncodeResponseFrame("", "hel"),
		frame.EncodeResponseFrame("", frame.SentinelPlain),
	}}}
	h, banner := newOpenAI(up, "a")

	rec := postChat(t, h, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"hel"`)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n"))
	assert.Equal(t, []string{"a"}, banner.banned)
}

func TestChatCompletionValidation(t *testing.T) {
	h, _ := newOpenAI(&fakeUpstream{}, "tok")

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postChat(t, h, `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"tool","content":"x"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionWithoutCredential(t *testing.T) {
	h, _ := newOpenAI(&fakeUpstream{}, "")

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionChecksumOverride(t *testing.T) {
	up := &fakeUpstream{bodies: map[string][]byte{"tok": frame.EncodeResponseFrame("", "ok")}}
	h, _ := newOpenAI(up, "tok")

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Cursor-Checksum": "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, up.chats, 1)
	assert.Equal(t, "abc", up.chats[0].Checksum)
}

func TestResolveCredentials(t *testing.T) {
	pool := fakePool{core.KindNormal: {"n1"}, core.KindPremium: {"p1"}}

	cases := []struct {
		name       string
		env        string
		pool       Pool
		privileged bool
		header     map[string]string
		apiKey     bool
		want       string
	}{
		{name: "env and store pool", env: "e1", pool: pool, want: "e1,n1"},
		{name: "premium tier", pool: pool, privileged: true, header: map[string]string{TierHeader: "premium"}, want: "p1"},
		{name: "tier ignored without privileged mode", pool: pool, header: map[string]string{TierHeader: "premium"}, want: "n1"},
		{name: "bearer fallback", header: map[string]string{"Authorization": "Bearer user::raw"}, want: "user::raw"},
		{name: "client key never used as credential", header: map[string]string{"Authorization": "Bearer sk-abc"}, want: ""},
		{name: "authenticated key without pool", apiKey: true, header: map[string]string{"Authorization": "Bearer sk-abc"}, want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &OpenAI{EnvCredentials: tc.env, Pool: tc.pool, Privileged: tc.privileged}
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if tc.apiKey {
				req = req.WithContext(middleware.WithAPIKey(req.Context(), core.APIKey{ID: "k"}))
			}
			assert.Equal(t, tc.want, h.ResolveCredentials(req))
		})
	}
}

func TestModelsList(t *testing.T) {
	up := &fakeUpstream{models: []string{"gpt-4o", "claude-3.5-sonnet"}}
	h, _ := newOpenAI(up, "tok")

	rec := httptest.NewRecorder()
	h.Models(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out modelList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "list", out.Object)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "gpt-4o", out.Data[0].ID)
	assert.Equal(t, "cursor", out.Data[0].OwnedBy)
	assert.Equal(t, "model", out.Data[0].Object)
}

func TestThinkingWrapper(t *testing.T) {
	var tw thinkingWrapper
	assert.Equal(t, "plain", tw.apply(frame.Fragment{Text: "plain"}))

	tw = thinkingWrapper{}
	assert.Equal(t, "<thinking>\na", tw.apply(frame.Fragment{Thinking: "a"}))
	assert.Equal(t, "b", tw.apply(frame.Fragment{Thinking: "b"}))
	assert.Equal(t, "\n</thinking>\nc", tw.apply(frame.Fragment{Text: "c"}))
	assert.Equal(t, "d", tw.apply(frame.Fragment{Text: "d"}))
}

func TestMessageBodyParts(t *testing.T) {
	var msg chatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]}`), &msg))
	assert.Equal(t, messageBody("a\nb"), msg.Content)

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &msg))
	assert.Equal(t, messageBody("plain"), msg.Content)
}

package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/frame"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestChecksumShape(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := Checksum("token-a", now)

	prefix, machineIDs, ok := strings.Cut(sum, HashHex("token-a", "machineId"))
	require.True(t, ok)
	assert.Equal(t, "/"+HashHex("token-a", "macMachineId"), machineIDs)

	raw, err := base64.StdEncoding.DecodeString(prefix)
	require.NoError(t, err)
	assert.Len(t, raw, 6)

	assert.Equal(t, sum, Checksum("token-a", now))
	assert.NotEqual(t, sum, Checksum("token-b", now))
}

func TestObfuscate(t *testing.T) {
	b := []byte{0, 0, 0, 0, 0, 0}
	obfuscate(b)
	// 0^165=165, then each byte is (0^prev)+i.
	assert.Equal(t, []byte{165, 166, 168, 171, 175, 180}, b)
}

func TestSessionIDStable(t *testing.T) {
	assert.Equal(t, SessionID("abc"), SessionID("abc"))
	assert.NotEqual(t, SessionID("abc"), SessionID("abd"))
	assert.Len(t, ClientKey("abc"), 64)
}

func TestStreamChatSendsFrameAndHeaders(t *testing.T) {
	var gotHeader http.Header
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, chatPath, r.URL.Path)
		_, _ = w.Write(frame.EncodeResponseFrame("", "hello"))
	})

	resp, err := c.StreamChat(context.Background(), "tok", Chat{
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
		Model:    "gpt-4o",
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "Bearer tok", gotHeader.Get("Authorization"))
	assert.Equal(t, "application/connect+proto", gotHeader.Get("Content-Type"))
	assert.Equal(t, DefaultClientVersion, gotHeader.Get("X-Cursor-Client-Version"))
	assert.Equal(t, SessionID("tok"), gotHeader.Get("X-Session-Id"))
	assert.Equal(t, ClientKey("tok"), gotHeader.Get("X-Client-Key"))
	assert.True(t, strings.HasPrefix(gotHeader.Get("X-Amzn-Trace-Id"), "Root="))
	assert.Equal(t, "true", gotHeader.Get("X-Ghost-Mode"))
	assert.NotEmpty(t, gotHeader.Get("X-Cursor-Checksum"))

	h, err := frame.ParseHeader(gotBody)
	require.NoError(t, err)
	assert.Equal(t, frame.FlagProto, h.Flag)
	assert.Equal(t, len(gotBody)-frame.HeaderSize, int(h.Length))
}

func TestStreamChatChecksumOverride(t *testing.T) {
	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Cursor-Checksum")
	})

	resp, err := c.StreamChat(context.Background(), "tok", Chat{
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
		Model:    "gpt-4o",
		Checksum: "fixed",
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "fixed", got)
}

func TestStreamChatRejectsBadRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})

	_, err := c.StreamChat(context.Background(), "tok", Chat{Model: "gpt-4o"})
	require.ErrorIs(t, err, frame.ErrSchema)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, modelsPath, r.URL.Path)
		assert.Equal(t, "application/proto", r.Header.Get("Content-Type"))
		_, _ = w.Write(frame.EncodeModels("gpt-4o", "claude-3.5-sonnet"))
	})

	names, err := c.ListModels(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "claude-3.5-sonnet"}, names)
}

func TestListModelsGzip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(frame.EncodeModels("cursor-small"))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})

	names, err := c.ListModels(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"cursor-small"}, names)
}

func TestListModelsStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	})

	_, err := c.ListModels(context.Background(), "tok")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "denied", statusErr.Body)
}

func TestProbe(t *testing.T) {
	cases := []struct {
		name    string
		body    []byte
		limited bool
	}{
		{"recovered", frame.EncodeResponseFrame("", "pong"), false},
		{"still limited", frame.EncodeResponseFrame("", frame.SentinelPlain), true},
		{"markdown sentinel", frame.EncodeResponseFrame("", frame.SentinelMarkdown), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var auth string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				auth = r.Header.Get("Authorization")
				_, _ = w.Write(tc.body)
			})

			limited, err := c.Probe(context.Background(), "label::secret")
			require.NoError(t, err)
			assert.Equal(t, tc.limited, limited)
			assert.Equal(t, "Bearer secret", auth)
		})
	}
}

func TestProbeErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := c.Probe(context.Background(), "tok")
	require.ErrorIs(t, err, ErrEmptyResponse)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err = c.Probe(context.Background(), "tok")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	_, err = c.Probe(context.Background(), "  ")
	require.Error(t, err)
}

func TestNewClientProxy(t *testing.T) {
	_, err := NewClient(Options{ProxyURL: "http://127.0.0.1:7890"})
	require.NoError(t, err)

	_, err = NewClient(Options{ProxyURL: "::not a url"})
	require.Error(t, err)
}

func TestTracing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	cleanup, err := EnableTracing(path)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	require.True(t, IsTracingEnabled())

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(frame.EncodeModels("gpt-4o"))
	})
	_, err = c.ListModels(context.Background(), "secret-token")
	require.NoError(t, err)

	cleanup()
	assert.False(t, IsTracingEnabled())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"endpoint":"models"`)
	assert.Contains(t, string(data), `"status_code":200`)
	assert.NotContains(t, string(data), "secret-token")
}

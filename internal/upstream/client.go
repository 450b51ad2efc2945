// Package upstream talks to the Cursor backend: chat streaming, the model
// catalogue and credential probes.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/metrics"
)

const (
	DefaultBaseURL        = "https://api2.cursor.sh"
	DefaultClientVersion  = "0.48.7"
	DefaultTimezone       = "Asia/Shanghai"
	DefaultConnectTimeout = 5 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second
	DefaultProbeModel     = "claude-3.5-sonnet"

	chatPath   = "/aiserver.v1.ChatService/StreamUnifiedChatWithTools"
	modelsPath = "/aiserver.v1.AiService/AvailableModels"

	userAgent = "connect-es/1.6.1"

	probeReadLimit = 32 * 1024
	errorBodyLimit = 4096
)

// ErrEmptyResponse is returned by Probe when the upstream closes without data.
var ErrEmptyResponse = errors.New("upstream returned an empty body")

// StatusError is returned for a non-200 upstream answer outside the retry loop.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "upstream error"
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Options configures NewClient.
type Options struct {
	BaseURL        string
	ProxyURL       string
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	ClientVersion  string
	Timezone       string
	ProbeModel     string
	Logger         *logging.Logger
	// RequestID extracts the inbound request id to forward upstream.
	RequestID func(context.Context) string
}

// Client is a Cursor backend client. Tokens are passed per call so the same
// client serves every credential in the pool.
type Client struct {
	BaseURL       string
	ClientVersion string
	Timezone      string
	ProbeModel    string
	HTTPClient    *http.Client
	Logger        *logging.Logger
	RequestID     func(context.Context) string

	Now     func() time.Time
	Builder frame.RequestBuilder
	Decoder frame.Decoder
}

// NewClient returns a client with defaults applied. An invalid proxy URL is an error.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	headerTimeout := opts.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = DefaultHeaderTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// Response bodies are inspected raw; gzip is negotiated per frame.
		DisableCompression: true,
	}
	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxy)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := &Client{
		BaseURL:       base,
		ClientVersion: firstNonEmpty(opts.ClientVersion, DefaultClientVersion),
		Timezone:      firstNonEmpty(opts.Timezone, DefaultTimezone),
		ProbeModel:    firstNonEmpty(opts.ProbeModel, DefaultProbeModel),
		HTTPClient:    &http.Client{Transport: transport},
		Logger:        opts.Logger,
		RequestID:     opts.RequestID,
	}
	c.Decoder = frame.Decoder{Logger: opts.Logger}
	return c, nil
}

// Chat is one chat completion call.
type Chat struct {
	Messages []core.Message
	Model    string
	// Checksum overrides the derived x-cursor-checksum when set.
	Checksum string
}

// StreamChat posts a chat request and returns the streaming response. The
// caller owns the body. Non-200 answers are returned as-is so the retry loop
// can classify them.
func (c *Client) StreamChat(ctx context.Context, token string, chat Chat) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("upstream client not configured")
	}
	body, err := c.Builder.Build(chat.Messages, chat.Model)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, chatPath, token, chat.Checksum, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/connect+proto")
	req.Header.Set("Connect-Accept-Encoding", "gzip")
	req.Header.Set("Connect-Content-Encoding", "gzip")

	return c.do(req, "chat", chat.Model, len(body))
}

// AvailableModels posts the model catalogue request. The caller owns the body.
func (c *Client) AvailableModels(ctx context.Context, token, checksum string) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("upstream client not configured")
	}
	req, err := c.newRequest(ctx, modelsPath, token, checksum, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/proto")
	req.Header.Set("Accept-Encoding", "gzip")

	return c.do(req, "models", "", 0)
}

// ListModels fetches and decodes the model catalogue for token.
func (c *Client) ListModels(ctx context.Context, token string) ([]string, error) {
	resp, err := c.AvailableModels(ctx, token, "")
	if err != nil {
		return nil, err
	}
	return ReadModels(resp)
}

// ReadModels decodes a model catalogue response and closes its body.
func ReadModels(resp *http.Response) ([]string, error) {
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError("models", resp)
	}
	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip models response: %w", err)
		}
		defer zr.Close() // nolint:errcheck // best-effort cleanup
		body = zr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	names, err := frame.DecodeModels(data)
	if err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	return names, nil
}

// Probe sends a minimal chat with value and reports whether the first
// decoded chunk carries the usage-limit sentinel.
func (c *Client) Probe(ctx context.Context, value string) (bool, error) {
	token := strings.TrimSpace(value)
	if token == "" {
		return false, errors.New("probe requires a credential value")
	}
	if extracted := rotation.ExtractToken(token); extracted != "" {
		token = extracted
	}

	resp, err := c.StreamChat(ctx, token, Chat{
		Messages: []core.Message{{Role: core.RoleUser, Content: "ping"}},
		Model:    c.ProbeModel,
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		return false, readStatusError("probe", resp)
	}

	buf := make([]byte, probeReadLimit)
	n, readErr := io.ReadAtLeast(resp.Body, buf, frame.HeaderSize)
	if n == 0 {
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return false, fmt.Errorf("read probe response: %w", readErr)
		}
		return false, ErrEmptyResponse
	}

	frag := c.Decoder.DecodeFrameStream(buf[:n])
	return frag.RateLimited, nil
}

// Headers returns the request headers for token. An empty checksum is
// derived from the token.
func (c *Client) Headers(token, checksum string) http.Header {
	if strings.TrimSpace(checksum) == "" {
		checksum = Checksum(token, c.now())
	}

	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	h.Set("Connect-Protocol-Version", "1")
	h.Set("User-Agent", userAgent)
	h.Set("X-Amzn-Trace-Id", "Root="+uuid.NewString())
	h.Set("X-Client-Key", ClientKey(token))
	h.Set("X-Cursor-Checksum", checksum)
	h.Set("X-Cursor-Client-Version", c.ClientVersion)
	h.Set("X-Cursor-Config-Version", uuid.NewString())
	h.Set("X-Cursor-Timezone", c.Timezone)
	h.Set("X-Ghost-Mode", "true")
	h.Set("X-Request-Id", uuid.NewString())
	h.Set("X-Session-Id", SessionID(token))
	return h
}

func (c *Client) newRequest(ctx context.Context, path, token, checksum string, body []byte) (*http.Request, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("credential token is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = c.Headers(token, checksum)
	if c.RequestID != nil {
		if id := c.RequestID(ctx); id != "" {
			req.Header.Set("X-Request-Id", id)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, endpoint, model string, size int) (*http.Response, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	metrics.RecordUpstreamDuration(endpoint, elapsed)

	entry := TraceEntry{
		Timestamp:  start,
		Endpoint:   endpoint,
		Method:     req.Method,
		Model:      model,
		Client:     req.Header.Get("X-Client-Key"),
		RequestID:  req.Header.Get("X-Request-Id"),
		Bytes:      size,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		trace(entry)
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	entry.StatusCode = resp.StatusCode
	trace(entry)

	if c.Logger != nil {
		c.Logger.Debug("upstream response",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
	}
	return resp, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func readStatusError(endpoint string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

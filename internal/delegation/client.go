// Package delegation forwards coordination and messaging operations to a
// shared listener process over HTTP so many local tool instances can share
// one external-platform connection.
package delegation

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

	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"

	"github.com/thesammykins/beep-boop-mcp/internal/loggingutil"
	"github.com/thesammykins/beep-boop-mcp/internal/requestid"
)

// Defaults applied by NewClient when the corresponding option is zero.
const (
	DefaultBaseTimeout    = 10 * time.Second
	DefaultPerByteTimeout = 5 * time.Millisecond
	DefaultMaxTimeout     = 60 * time.Second
	DefaultMaxConcurrent  = 4
)

var (
	// ErrUnavailable is returned immediately when delegation is disabled or
	// has no base URL, letting callers fall back to local execution without
	// waiting.
	ErrUnavailable = errors.New("delegation unavailable")
	// ErrTimeout is returned when the outbound call exceeded its computed
	// timeout.
	ErrTimeout = errors.New("delegation timeout")
)

// RemoteError reports a non-2xx response from the listener.
type RemoteError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote error (status %d)", e.Status)
}

// Options configures a Client.
type Options struct {
	// Enabled gates all outbound calls.
	Enabled bool
	// BaseURL is the listener's base URL, e.g. "http://127.0.0.1:9800".
	BaseURL string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// BaseTimeout is the floor of the per-call timeout.
	BaseTimeout time.Duration
	// PerByteTimeout extends the timeout per serialized body byte.
	PerByteTimeout time.Duration
	// MaxTimeout caps the per-call timeout.
	MaxTimeout time.Duration
	// MaxConcurrent bounds in-flight calls; excess callers queue FIFO.
	MaxConcurrent int64
	// HTTPClient overrides the transport, mainly for tests. Its Timeout is
	// left untouched; per-call deadlines come from the computed timeout.
	HTTPClient *http.Client
	// Logger defaults to a disabled logger.
	Logger pslog.Logger
}

// Response is the decoded success envelope from the listener.
type Response struct {
	Status    int
	Text      string
	Meta      map[string]any
	RequestID string
}

// Client posts JSON bodies to listener routes with payload-size-adaptive
// timeouts and a bounded concurrency window.
type Client struct {
	enabled        bool
	baseURL        string
	authToken      string
	baseTimeout    time.Duration
	perByteTimeout time.Duration
	maxTimeout     time.Duration
	httpClient     *http.Client
	sem            *semaphore.Weighted
	logger         pslog.Logger
}

// NewClient builds a Client from opts, filling defaults for zero values.
func NewClient(opts Options) *Client {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.PerByteTimeout < 0 {
		opts.PerByteTimeout = 0
	} else if opts.PerByteTimeout == 0 {
		opts.PerByteTimeout = DefaultPerByteTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultMaxTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		enabled:        opts.Enabled,
		baseURL:        strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		authToken:      strings.TrimSpace(opts.AuthToken),
		baseTimeout:    opts.BaseTimeout,
		perByteTimeout: opts.PerByteTimeout,
		maxTimeout:     opts.MaxTimeout,
		httpClient:     httpClient,
		sem:            semaphore.NewWeighted(opts.MaxConcurrent),
		logger:         loggingutil.EnsureLogger(opts.Logger).With("sys", "delegation"),
	}
}

// Available reports whether the client can attempt outbound calls.
func (c *Client) Available() bool {
	return c.enabled && c.baseURL != ""
}

// Post sends body as JSON to route on the listener. A fresh request id is
// injected into both the body and the X-Request-Id header. The per-call
// timeout scales with the serialized body size; the concurrency slot is
// released as soon as the call finishes.
func (c *Client) Post(ctx context.Context, route string, body any) (*Response, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%w: delegation disabled or base URL unset", ErrUnavailable)
	}
	reqID := requestid.Generate()
	payload, err := encodeBody(body, reqID)
	if err != nil {
		return nil, fmt.Errorf("encode delegation body: %w", err)
	}
	timeout := c.timeoutFor(len(payload))

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire delegation slot: %w", err)
	}
	defer c.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build delegation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestid.Header, reqID)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	c.logger.Debug("delegation.post.begin",
		"route", route,
		"request_id", reqID,
		"body_bytes", len(payload),
		"timeout", timeout,
	)
	inflight.Inc()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	inflight.Dec()
	duration := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// The caller's own context ended; report that, not a timeout.
			observe(route, "canceled", duration)
			return nil, fmt.Errorf("delegation call to %s: %w", route, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			observe(route, "timeout", duration)
			c.logger.Warn("delegation.post.timeout", "route", route, "request_id", reqID, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s after %s (request %s)", ErrTimeout, route, timeout, reqID)
		}
		observe(route, "transport_error", duration)
		return nil, fmt.Errorf("delegation call to %s (request %s): %w", route, reqID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observe(route, "read_error", duration)
		return nil, fmt.Errorf("read delegation response from %s (request %s): %w", route, reqID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observe(route, "remote_error", duration)
		remote := &RemoteError{Status: resp.StatusCode, RequestID: reqID}
		var envelope struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error != "" {
			remote.Message = envelope.Error
		}
		c.logger.Warn("delegation.post.remote_error",
			"route", route,
			"request_id", reqID,
			"status", resp.StatusCode,
			"message", remote.Message,
		)
		return nil, remote
	}

	out := &Response{Status: resp.StatusCode, RequestID: reqID}
	if len(data) > 0 {
		var envelope struct {
			Text string         `json:"text"`
			Meta map[string]any `json:"meta"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			observe(route, "decode_error", duration)
			return nil, fmt.Errorf("decode delegation response from %s (request %s): %w", route, reqID, err)
		}
		out.Text = envelope.Text
		out.Meta = envelope.Meta
	}
	observe(route, "ok", duration)
	c.logger.Debug("delegation.post.complete", "route", route, "request_id", reqID, "elapsed", duration)
	return out, nil
}

const maxResponseBytes = 1 << 20

// timeoutFor computes min(maxTimeout, baseTimeout + bodyLen*perByteTimeout).
func (c *Client) timeoutFor(bodyLen int) time.Duration {
	timeout := c.baseTimeout + time.Duration(bodyLen)*c.perByteTimeout
	if timeout > c.maxTimeout {
		return c.maxTimeout
	}
	return timeout
}

// encodeBody serializes body and injects the request id into the top-level
// JSON object so the listener can mirror it in logs.
func encodeBody(body any, reqID string) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("delegation body must be a JSON object")
	}
	obj["requestId"] = reqID
	return json.Marshal(obj)
}

package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Method names served by every A2A endpoint.
const (
	MethodSendMessage = "message/send"
	MethodStream      = "message/stream"
	MethodGetTask     = "tasks/get"
	MethodCancelTask  = "tasks/cancel"
	MethodResubscribe = "tasks/resubscribe"
)

// RPCError is a JSON-RPC error returned by the remote server. Remote
// failures always come back as *RPCError values so callers can branch
// on the code; other error types indicate transport or decode problems.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is an A2A JSON-RPC client. Requests carry monotonically
// increasing ids; transient transport failures (network errors, 5xx,
// 429) are retried with exponential backoff before giving up.
type Client struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	nextID atomic.Uint64
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey authenticates requests with the public persona's
// X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.headers["X-API-Key"] = key }
}

// WithBearerToken authenticates requests with a bearer token, as the
// internal persona expects.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.headers["Authorization"] = "Bearer " + token }
}

// WithHeader sets an arbitrary header on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithRetry overrides the retry policy. maxAttempts counts the first
// try; delays double from base up to ceiling.
func WithRetry(maxAttempts int, base, ceiling time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = base
		c.maxDelay = ceiling
	}
}

// NewClient builds a client for one A2A endpoint, e.g.
// "http://scheduler:4001/a2a/v1".
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		headers:     make(map[string]string),
		maxAttempts: 3,
		baseDelay:   1 * time.Second,
		maxDelay:    10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage issues message/send and decodes the result, which the
// protocol allows to be either a task or a bare message.
func (c *Client) SendMessage(ctx context.Context, params SendParams) (Event, error) {
	raw, err := c.Call(ctx, MethodSendMessage, params)
	if err != nil {
		return Event{}, err
	}
	return DecodeEvent(raw)
}

// GetTask issues tasks/get.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	return c.taskCall(ctx, MethodGetTask, id)
}

// CancelTask issues tasks/cancel and returns the task snapshot after
// the cancel request was accepted.
func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	return c.taskCall(ctx, MethodCancelTask, id)
}

func (c *Client) taskCall(ctx context.Context, method, id string) (*Task, error) {
	raw, err := c.Call(ctx, method, TaskIDParams{ID: id})
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &t, nil
}

// StreamMessage issues message/stream and returns the live event
// sequence. The stream ends when the remote task reaches a terminal
// state or ctx is canceled; Close is safe to call at any point.
func (c *Client) StreamMessage(ctx context.Context, params SendParams) (*Stream, error) {
	return c.stream(ctx, MethodStream, params)
}

// Resubscribe re-attaches to a running task's event sequence.
func (c *Client) Resubscribe(ctx context.Context, id string) (*Stream, error) {
	return c.stream(ctx, MethodResubscribe, TaskIDParams{ID: id})
}

// Call issues a unary JSON-RPC request and returns the raw result.
// Remote errors are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, err := c.post(ctx, method, params, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *Client) stream(ctx context.Context, method string, params any) (*Stream, error) {
	resp, err := c.post(ctx, method, params, "text/event-stream")
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/event-stream") {
		// The server answered the stream request with a plain JSON-RPC
		// error envelope (auth failure, unknown task).
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read %s response: %w", method, readErr)
		}
		var rpcResp rpcResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return nil, fmt.Errorf("unexpected %s content type %q", method, ct)
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return nil, fmt.Errorf("unexpected non-stream %s response", method)
	}

	return &Stream{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// post sends the JSON-RPC envelope, retrying transient failures.
func (c *Client) post(ctx context.Context, method string, params any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(c.baseDelay, c.maxDelay, attempt-1)
			c.logger.Debug("Retrying A2A request",
				"method", method, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", method, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if retryableStatus(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", method, c.maxAttempts, lastErr)
}

// retryableStatus reports whether a status is worth another attempt.
// 4xx responses other than 429 carry JSON-RPC error envelopes and are
// passed through to the caller.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func backoffDelay(base, ceiling time.Duration, retries int) time.Duration {
	delay := base
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// ErrStreamClosed is returned by Stream.Next after the server closed
// the event stream.
var ErrStreamClosed = errors.New("a2a: stream closed")

// Stream is a lazy, finite sequence of SSE events. It is not safe for
// concurrent Next calls.
type Stream struct {
	body    io.ReadCloser
	scanner *sseScanner
	closed  bool
}

// Next blocks until the next event arrives and decodes it. It returns
// ErrStreamClosed once the server ends the stream and *RPCError when a
// frame carries a JSON-RPC error instead of a result.
func (s *Stream) Next() (Event, error) {
	if s.closed {
		return Event{}, ErrStreamClosed
	}
	for {
		data, err := s.scanner.nextData()
		if err != nil {
			s.Close()
			if errors.Is(err, io.EOF) {
				return Event{}, ErrStreamClosed
			}
			return Event{}, err
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return Event{}, fmt.Errorf("decode stream frame: %w", err)
		}
		if rpcResp.Error != nil {
			return Event{}, rpcResp.Error
		}
		if len(rpcResp.Result) == 0 {
			continue
		}
		return DecodeEvent(rpcResp.Result)
	}
}

// Close releases the underlying connection. Safe to call twice.
func (s *Stream) Close() {
	if !s.closed {
		s.closed = true
		_ = s.body.Close()
	}
}

// sseScanner reads server-sent events: data lines accumulate until a
// blank line dispatches the event. Comment lines (":") and fields other
// than data ("event:", "id:", "retry:") are tolerated and skipped;
// multi-line data is joined with newlines per the SSE spec.
type sseScanner struct {
	r *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{r: sc}
}

func (s *sseScanner) nextData() ([]byte, error) {
	var data []string
	for s.r.Scan() {
		line := s.r.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.r.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, io.EOF
}

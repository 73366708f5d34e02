package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/backoff"
)

// Transport carries JSON-RPC messages to one server.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// HTTPError is a non-200 reply from the server.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts JSON-RPC requests to the server URL.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client
	policy backoff.BackoffPolicy
}

// NewHTTPTransport creates an HTTP transport. client may be nil.
func NewHTTPTransport(cfg *ServerConfig, client *http.Client, logger *slog.Logger) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger.With("mcp_server", cfg.ID),
		client: client,
		policy: backoff.DefaultPolicy(),
	}
}

// Call sends a request and decodes the result. Transport failures and 5xx
// replies are retried; JSON-RPC errors are not.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = backoff.Retry(ctx, t.policy, t.config.MaxRetries+1, retriable, func(attempt int) error {
		if attempt > 0 {
			t.logger.Debug("retrying MCP call", "method", method, "attempt", attempt)
		}
		req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: raw}
		body, err := t.post(ctx, req)
		if err != nil {
			return err
		}
		defer body.Close()

		var resp JSONRPCResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if resp.Error != nil {
			return resp.Error
		}
		result = resp.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Notify sends a notification and ignores the reply body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	body, err := t.post(ctx, JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	return body.Close()
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg JSONRPCRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader([]byte("{}"))), nil
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp.Body, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPTransportCall(t *testing.T) {
	fs, srv := newFakeServer(t)
	tr := NewHTTPTransport(&ServerConfig{ID: "fs", URL: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}}, nil, nil)

	raw, err := tr.Call(context.Background(), "initialize", map[string]any{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		t.Fatal(err)
	}
	if init.ServerInfo.Name != "fake" {
		t.Errorf("server name = %q", init.ServerInfo.Name)
	}
	if got := fs.headers.Get("X-Api-Key"); got != "secret" {
		t.Errorf("header = %q", got)
	}
}

func TestHTTPTransportRPCErrorNotRetried(t *testing.T) {
	fs, srv := newFakeServer(t)
	tr := NewHTTPTransport(&ServerConfig{ID: "fs", URL: srv.URL, MaxRetries: 3}, nil, nil)

	_, err := tr.Call(context.Background(), "bogus/method", nil)
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Fatalf("Call() error = %v, want method not found", err)
	}
	if n := len(fs.calls()); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestHTTPTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: "x", Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "flaky", URL: srv.URL, MaxRetries: 2}, nil, nil)
	raw, err := tr.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("result = %s", raw)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestHTTPTransportClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(&ServerConfig{ID: "auth", URL: srv.URL, MaxRetries: 2}, nil, nil)
	_, err := tr.Call(context.Background(), "ping", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Call() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

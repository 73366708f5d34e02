package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeServer is a minimal MCP server over HTTP.
type fakeServer struct {
	mu      sync.Mutex
	methods []string
	headers http.Header
	tools   []*MCPTool
	call    func(params CallToolParams) (*ToolCallResult, *JSONRPCError)
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		tools: []*MCPTool{{
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) calls() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.methods...)
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.methods = append(fs.methods, req.Method)
	fs.headers = r.Header.Clone()
	fs.mu.Unlock()

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	var result any
	switch req.Method {
	case "initialize":
		result = InitializeResult{ProtocolVersion: protocolVersion, ServerInfo: ServerInfo{Name: "fake", Version: "1.0"}}
	case "tools/list":
		result = ListToolsResult{Tools: fs.tools}
	case "tools/call":
		var params CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		if fs.call == nil {
			result = ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: `{"echo":"` + params.Name + `"}`}}}
			break
		}
		out, rpcErr := fs.call(params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			result = out
		}
	default:
		resp.Error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
	if result != nil {
		resp.Result, _ = json.Marshal(result)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

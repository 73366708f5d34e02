package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// ErrUnknownServer is returned for a server id that is not configured.
var ErrUnknownServer = errors.New("unknown tool server")

// ManagerOptions carries optional collaborators.
type ManagerOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     *observability.Tracer
	Version    string
}

// Manager owns the connections to every configured tool server and routes
// tool calls, including the built-in ones.
type Manager struct {
	internal *InternalTools
	opts     ManagerOptions
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]*ServerConfig
	clients map[string]*Client
}

// NewManager creates a manager. internal may be nil to disable built-in tools.
func NewManager(servers []*ServerConfig, internal *InternalTools, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	m := &Manager{
		internal: internal,
		opts:     opts,
		logger:   opts.Logger.With("component", "mcp"),
		servers:  make(map[string]*ServerConfig),
		clients:  make(map[string]*Client),
	}
	for _, s := range servers {
		m.servers[s.ID] = s
	}
	return m
}

// Start connects to every configured server. Failures are logged and the
// server is retried on first use.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := m.client(ctx, id); err != nil {
			m.logger.Error("failed to connect to MCP server", "server", id, "error", err)
		}
	}
}

// Stop disconnects from every server.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("failed to close MCP client", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
}

// UpdateServers replaces the server set. Connections to removed or changed
// servers are closed; new ones connect lazily.
func (m *Manager) UpdateServers(servers []*ServerConfig) {
	next := make(map[string]*ServerConfig, len(servers))
	for _, s := range servers {
		next[s.ID] = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		cfg, ok := next[id]
		if ok && sameServer(cfg, m.servers[id]) {
			continue
		}
		c.Close()
		delete(m.clients, id)
	}
	m.servers = next
	m.logger.Info("tool servers updated", "count", len(next))
}

func sameServer(a, b *ServerConfig) bool {
	if a == nil || b == nil {
		return false
	}
	if a.URL != b.URL || a.Timeout != b.Timeout || a.MaxRetries != b.MaxRetries || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}

func (m *Manager) client(ctx context.Context, serverID string) (*Client, error) {
	m.mu.RLock()
	c, ok := m.clients[serverID]
	cfg := m.servers[serverID]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	c = NewClient(cfg, m.opts.HTTPClient, m.logger)
	if err := c.Connect(ctx, m.opts.Version); err != nil {
		return nil, fmt.Errorf("connect %s: %w", serverID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clients[serverID]; ok {
		c.Close()
		return existing, nil
	}
	m.clients[serverID] = c
	return c, nil
}

// ExecuteTool runs toolName on serverID.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any, userID string) (*models.ExecutionResult, error) {
	ctx, span := m.opts.Tracer.TraceToolExecution(ctx, serverID, toolName)
	defer span.End()

	if serverID == InternalServerID {
		if m.internal == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
		}
		res, err := m.internal.Execute(ctx, toolName, args, userID)
		observability.RecordError(span, err)
		return res, err
	}

	c, err := m.client(ctx, serverID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	result, err := c.CallTool(ctx, toolName, args)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	text, isError := FormatResult(result)
	if isError {
		return &models.ExecutionResult{Error: text}, nil
	}
	return &models.ExecutionResult{Success: true, Result: decodeText(text)}, nil
}

// Tools returns the built-in tools followed by every connected server's tools.
func (m *Manager) Tools() []models.ToolDefinition {
	var defs []models.ToolDefinition
	if m.internal != nil {
		defs = append(defs, m.internal.Definitions()...)
	}

	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].config.ID < clients[j].config.ID })

	for _, c := range clients {
		defs = append(defs, c.Definitions()...)
	}
	return defs
}

// ServerStatus reports one server's connection.
type ServerStatus struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Name      string `json:"name,omitempty"`
	Tools     int    `json:"tools"`
}

// Status lists configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for id, cfg := range m.servers {
		st := ServerStatus{ID: id, URL: cfg.URL}
		if c, ok := m.clients[id]; ok {
			st.Connected = c.Connected()
			st.Name = c.ServerInfo().Name
			st.Tools = len(c.Tools())
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/haasonsaas/toolgate/pkg/models"
)

const protocolVersion = "2024-11-05"

// Client is connected to a single MCP server.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*MCPTool
	serverInfo ServerInfo
	connected  bool
}

// NewClient creates a client over HTTP. httpClient may be nil.
func NewClient(cfg *ServerConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return NewClientWithTransport(cfg, NewHTTPTransport(cfg, httpClient, logger), logger)
}

// NewClientWithTransport creates a client over an existing transport.
func NewClientWithTransport(cfg *ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.ID),
	}
}

// Connect runs the initialize handshake and loads the tool list.
func (c *Client) Connect(ctx context.Context, version string) error {
	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	return c.RefreshTools(ctx)
}

// RefreshTools reloads the cached tool list, following pagination cursors.
func (c *Client) RefreshTools(ctx context.Context) error {
	var tools []*MCPTool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var page ListToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return fmt.Errorf("parse tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports whether the handshake succeeded.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var out ToolCallResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &out, nil
}

// Definitions converts the cached tools into tool definitions owned by this server.
func (c *Client) Definitions() []models.ToolDefinition {
	tools := c.Tools()
	defs := make([]models.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, models.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
			ServerID:    c.config.ID,
		})
	}
	return defs
}

// Close closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.transport.Close()
}

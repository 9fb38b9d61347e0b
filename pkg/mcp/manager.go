// Package mcp routes tool calls to the MCP servers a client configures for
// each session.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// Dialer opens a started, uninitialized client for a server configuration.
type Dialer func(ctx context.Context, server protocol.MCPServer) (*client.Client, error)

// Dial connects over the server's configured transport.
func Dial(ctx context.Context, server protocol.MCPServer) (*client.Client, error) {
	switch server.Transport() {
	case protocol.MCPTransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("mcp server %q: command is required", server.Name)
		}
		env := make([]string, 0, len(server.Env))
		for _, e := range server.Env {
			env = append(env, e.Name+"="+e.Value)
		}
		// The stdio client starts its subprocess itself.
		return client.NewStdioMCPClient(server.Command, env, server.Args...)
	case protocol.MCPTransportHTTP:
		c, err := client.NewStreamableHttpClient(server.URL, transport.WithHTTPHeaders(headers(server)))
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	case protocol.MCPTransportSSE:
		c, err := client.NewSSEMCPClient(server.URL, transport.WithHeaders(headers(server)))
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", server.Name, server.Type)
	}
}

func headers(server protocol.MCPServer) map[string]string {
	h := make(map[string]string, len(server.Headers))
	for _, hdr := range server.Headers {
		h[hdr.Name] = hdr.Value
	}
	return h
}

// Manager owns the MCP connections of every session. Servers are connected
// lazily, the first time the session's tools are needed.
type Manager struct {
	dial   Dialer
	info   mcp.Implementation
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionServers
}

type sessionServers struct {
	mu      sync.Mutex
	servers []protocol.MCPServer
	conns   map[string]*conn
	closed  bool
}

type conn struct {
	server protocol.MCPServer
	client *client.Client
	tools  []tools.Tool
}

// NewManager creates a manager. A nil dialer uses Dial.
func NewManager(dial Dialer, name, version string, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = Dial
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		dial:     dial,
		info:     mcp.Implementation{Name: name, Version: version},
		logger:   logger.With("component", "mcp"),
		sessions: make(map[string]*sessionServers),
	}
}

// Attach sets the servers of a session, closing any previous connections.
func (m *Manager) Attach(sessionID string, servers []protocol.MCPServer) {
	m.mu.Lock()
	old := m.sessions[sessionID]
	if len(servers) == 0 {
		delete(m.sessions, sessionID)
	} else {
		m.sessions[sessionID] = &sessionServers{servers: servers, conns: make(map[string]*conn)}
	}
	m.mu.Unlock()
	if old != nil {
		old.close(m.logger)
	}
}

// Close disconnects the servers of a session.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	ss := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ss != nil {
		ss.close(m.logger)
	}
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*sessionServers)
	m.mu.Unlock()
	for _, ss := range all {
		ss.close(m.logger)
	}
}

// SessionTools implements tools.Provider. Servers that fail to connect
// are logged and skipped, and retried on the next call.
func (m *Manager) SessionTools(ctx context.Context, sessionID string) ([]tools.Tool, error) {
	m.mu.Lock()
	ss := m.sessions[sessionID]
	m.mu.Unlock()
	if ss == nil {
		return nil, nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, nil
	}
	var out []tools.Tool
	var errs []error
	for _, server := range ss.servers {
		c, ok := ss.conns[server.Name]
		if !ok {
			var err error
			c, err = m.connect(ctx, server)
			if err != nil {
				m.logger.Warn("mcp server unavailable", "session", sessionID, "server", server.Name, "err", err)
				errs = append(errs, err)
				continue
			}
			ss.conns[server.Name] = c
		}
		out = append(out, c.tools...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (m *Manager) connect(ctx context.Context, server protocol.MCPServer) (*conn, error) {
	c, err := m.dial(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", server.Name, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = m.info
	if _, err := c.Initialize(ctx, req); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize %s: %w", server.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("list tools of %s: %w", server.Name, err)
	}
	cn := &conn{server: server, client: c}
	for _, t := range listed.Tools {
		cn.tools = append(cn.tools, newTool(server.Name, t, c))
	}
	m.logger.Info("mcp server connected", "server", server.Name, "transport", server.Transport(), "tools", len(cn.tools))
	return cn, nil
}

func (ss *sessionServers) close(logger *slog.Logger) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	for name, c := range ss.conns {
		if err := c.client.Close(); err != nil {
			logger.Debug("mcp close", "server", name, "err", err)
		}
	}
	ss.conns = nil
}

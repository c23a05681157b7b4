// Package mcpclient manages connections to MCP tool servers and routes
// composite tool identifiers ("serverName__toolName") to the right server.
// Connections are established lazily on first use, cached per server, and
// torn down explicitly; the manager instance is the single owner of every
// live handle.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/lexcodex/mcpexec/internal/config"
	"github.com/lexcodex/mcpexec/internal/telemetry"
	"github.com/lexcodex/mcpexec/internal/version"
)

// ToolSession is the per-server connection handle the manager caches. It is
// satisfied by *mcp.ClientSession; tests substitute fakes through WithDialer.
type ToolSession interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	Close() error
}

// Dialer establishes a connection to one configured server.
type Dialer func(ctx context.Context, name string, cfg config.ServerConfig) (ToolSession, error)

// NormalizeFunc is a pluggable per-server hook applied to unwrapped results
// before they are returned to the caller.
type NormalizeFunc func(server string, value any) (any, error)

// ToolInfo describes one tool aggregated across servers.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
}

// Identifier returns the composite identifier addressing this tool.
func (t ToolInfo) Identifier() string { return JoinIdentifier(t.Server, t.Name) }

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the transport dialer.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithTelemetry attaches an event sink.
func WithTelemetry(sink telemetry.Telemetry) Option {
	return func(m *Manager) { m.tel = sink }
}

// WithNormalizer registers a per-server result normalization hook.
func WithNormalizer(server string, fn NormalizeFunc) Option {
	return func(m *Manager) { m.normalizers[server] = fn }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// conn is one map entry. The first resolver creates it with an open ready
// channel and dials outside the map lock; concurrent resolvers for the same
// server wait on ready instead of opening a second connection.
type conn struct {
	ready   chan struct{}
	session ToolSession
	err     error
}

// Manager owns the server-name-to-handle map. The mutex guards the map (and
// the tool cache) only; it is never held across transport I/O.
type Manager struct {
	cfg         *config.Config
	dial        Dialer
	tel         telemetry.Telemetry
	normalizers map[string]NormalizeFunc
	log         *logrus.Logger

	mu    sync.Mutex
	conns map[string]*conn
	tools map[string][]*mcp.Tool
}

// NewManager builds a manager over an immutable configuration. No server is
// contacted until the first call that needs it.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		dial:        defaultDialer,
		tel:         telemetry.Noop{},
		normalizers: make(map[string]NormalizeFunc),
		log:         logrus.StandardLogger(),
		conns:       make(map[string]*conn),
		tools:       make(map[string][]*mcp.Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultDialer(ctx context.Context, name string, cfg config.ServerConfig) (ToolSession, error) {
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "mcpexec", Version: version.Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Resolve returns the live handle for a server, establishing it on first
// use. Resolution is single-flight per server name: concurrent callers for
// the same unresolved server wait for the in-flight connection rather than
// opening a duplicate. Callers for different servers proceed in parallel.
func (m *Manager) Resolve(ctx context.Context, name string) (ToolSession, error) {
	serverCfg, ok := m.cfg.Server(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (configured: %v)", ErrUnknownServer, name, m.cfg.EnabledServers())
	}
	if serverCfg.Disabled {
		return nil, fmt.Errorf("%w: %q", ErrServerDisabled, name)
	}

	m.mu.Lock()
	if c, ok := m.conns[name]; ok {
		m.mu.Unlock()
		select {
		case <-c.ready:
			return c.session, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &conn{ready: make(chan struct{})}
	m.conns[name] = c
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"server": name, "transport": serverCfg.Type}).Info("connecting to MCP server")
	session, err := m.dial(ctx, name, serverCfg)

	m.mu.Lock()
	current := m.conns[name] == c
	if err != nil {
		c.err = &ConnectionError{Server: name, Err: err}
		if current {
			delete(m.conns, name) // next call re-attempts a fresh connection
		}
		m.mu.Unlock()
		close(c.ready)
		return nil, c.err
	}
	if !current {
		// Torn down while dialing. Close the fresh handle so at most one
		// handle per server ever exists, and tell the caller to retry.
		m.mu.Unlock()
		_ = session.Close()
		c.err = &ConnectionError{Server: name, Err: errors.New("connection torn down during establishment")}
		close(c.ready)
		return nil, c.err
	}
	c.session = session
	m.mu.Unlock()
	close(c.ready)

	m.tel.Emit(telemetry.Event{Type: telemetry.EventServerConnect, Server: name, Timestamp: time.Now()})
	return session, nil
}

// evict drops the cached handle for a server if it still maps to session,
// closing it in the background. Used after transport-level failures so the
// next call dials fresh instead of reusing a dead handle.
func (m *Manager) evict(name string, session ToolSession) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok || c.session != session {
		m.mu.Unlock()
		return
	}
	delete(m.conns, name)
	delete(m.tools, name)
	m.mu.Unlock()

	if err := session.Close(); err != nil {
		m.log.WithField("server", name).WithError(err).Debug("close of evicted handle failed")
	}
	m.tel.Emit(telemetry.Event{Type: telemetry.EventHandleEvicted, Server: name, Timestamp: time.Now()})
}

// serverTools returns the server's tool list, cached after the first query.
func (m *Manager) serverTools(ctx context.Context, name string, session ToolSession) ([]*mcp.Tool, error) {
	m.mu.Lock()
	if tools, ok := m.tools[name]; ok {
		m.mu.Unlock()
		return tools, nil
	}
	m.mu.Unlock()

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		m.evict(name, session)
		return nil, &ConnectionError{Server: name, Err: fmt.Errorf("list tools: %w", err)}
	}
	tools := result.Tools

	m.mu.Lock()
	// Only cache while the handle that produced the list is still current.
	if c, ok := m.conns[name]; ok && c.session == session {
		m.tools[name] = tools
	}
	m.mu.Unlock()
	return tools, nil
}

// CallTool parses the composite identifier, resolves the target server
// lazily, invokes the tool, and returns the normalized payload. Tool calls
// may be issued concurrently; calls to the same server share one handle and
// are not guaranteed to preserve issue order.
func (m *Manager) CallTool(ctx context.Context, identifier string, args map[string]any) (any, error) {
	server, tool, err := SplitIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	session, err := m.Resolve(ctx, server)
	if err != nil {
		return nil, err
	}

	tools, err := m.serverTools(ctx, server, session)
	if err != nil {
		return nil, err
	}
	if !hasTool(tools, tool) {
		return nil, fmt.Errorf("%w: %q on server %q (available: %v)", ErrToolNotFound, tool, server, toolNames(tools))
	}

	m.tel.Emit(telemetry.Event{Type: telemetry.EventToolCall, Server: server, Tool: tool, Timestamp: time.Now()})
	m.log.WithField("tool", identifier).Debug("executing tool")

	start := time.Now()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		m.evict(server, session)
		connErr := &ConnectionError{Server: server, Err: fmt.Errorf("call %q: %w", tool, err)}
		m.emitResult(server, tool, start, connErr)
		return nil, connErr
	}

	value, err := unwrapResult(identifier, result)
	if err != nil {
		m.emitResult(server, tool, start, err)
		return nil, err
	}
	if fn, ok := m.normalizers[server]; ok {
		value, err = fn(server, value)
		if err != nil {
			// A hook failing on an unanticipated response shape counts as a
			// tool execution error, not a transport failure.
			execErr := &ToolExecutionError{Identifier: identifier, Err: err}
			m.emitResult(server, tool, start, execErr)
			return nil, execErr
		}
	}
	m.emitResult(server, tool, start, nil)
	return value, nil
}

func (m *Manager) emitResult(server, tool string, start time.Time, err error) {
	event := telemetry.Event{
		Type:      telemetry.EventToolResult,
		Server:    server,
		Tool:      tool,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	m.tel.Emit(event)
}

// ListAllTools connects to every enabled server and aggregates their tools,
// sorted by identifier. Per-server failures are logged and skipped so one
// unreachable server does not hide the rest.
func (m *Manager) ListAllTools(ctx context.Context) ([]ToolInfo, error) {
	var infos []ToolInfo
	for _, name := range m.cfg.EnabledServers() {
		session, err := m.Resolve(ctx, name)
		if err != nil {
			m.log.WithField("server", name).WithError(err).Warn("skipping server during tool listing")
			continue
		}
		tools, err := m.serverTools(ctx, name, session)
		if err != nil {
			m.log.WithField("server", name).WithError(err).Warn("skipping server during tool listing")
			continue
		}
		for _, tool := range tools {
			infos = append(infos, ToolInfo{Server: name, Name: tool.Name, Description: tool.Description})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identifier() < infos[j].Identifier() })
	return infos, ctx.Err()
}

// Teardown closes every live handle, collecting individual close failures
// instead of short-circuiting, and clears the map. It is idempotent and
// leaves the manager usable: a later Resolve establishes a fresh connection.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.tools = make(map[string][]*mcp.Tool)
	m.mu.Unlock()

	var errs []error
	for name, c := range conns {
		select {
		case <-c.ready:
		default:
			// Still dialing; Resolve closes the handle when it notices the
			// entry is gone.
			continue
		}
		if c.session == nil {
			continue
		}
		if err := c.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		m.tel.Emit(telemetry.Event{Type: telemetry.EventServerDisconnect, Server: name, Timestamp: time.Now()})
	}
	return errors.Join(errs...)
}

func hasTool(tools []*mcp.Tool, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

// Package acp serves the Agent Client Protocol over one JSON-RPC
// connection. It owns the route table, gates methods on the handshake and
// maps internal errors to wire codes.
package acp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tiancaiamao/acp/pkg/agent"
	"github.com/tiancaiamao/acp/pkg/config"
	"github.com/tiancaiamao/acp/pkg/mcp"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/rpc"
	"github.com/tiancaiamao/acp/pkg/session"
	"github.com/tiancaiamao/acp/pkg/tools"
	"github.com/tiancaiamao/acp/pkg/traceevent"
)

// Options configures an Agent.
type Options struct {
	Config *config.Config
	Store  *session.Store
	Engine agent.Engine
	// MCP connects session MCP servers. Defaults to a manager dialing real
	// transports.
	MCP     *mcp.Manager
	Metrics *agent.Metrics
	Tracer  *traceevent.Recorder
	Logger  *slog.Logger
	// Version is reported in agentInfo.
	Version string
}

// Agent is the agent side of one ACP connection.
type Agent struct {
	cfg     *config.Config
	store   *session.Store
	mcp     *mcp.Manager
	metrics *agent.Metrics
	logger  *slog.Logger
	info    protocol.Implementation

	conn    *rpc.Conn
	client  *clientProxy
	bridge  *tools.Bridge
	emitter *agent.Emitter
	runner  *agent.Runner

	mu            sync.Mutex
	initialized   bool
	authenticated bool
	caps          protocol.Capabilities
}

// New creates an agent reading requests from r and writing to w.
func New(r io.Reader, w io.Writer, opts Options) *Agent {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	a := &Agent{
		cfg:     cfg,
		store:   opts.Store,
		mcp:     opts.MCP,
		metrics: opts.Metrics,
		logger:  logger.With("component", "acp"),
		info:    protocol.Implementation{Name: "acp", Title: "ACP agent runtime", Version: version},
	}
	if a.store == nil {
		a.store = session.NewStore(cfg.SessionsDir, logger)
	}
	if a.mcp == nil {
		a.mcp = mcp.NewManager(mcp.Dial, a.info.Name, version, logger)
	}

	a.conn = rpc.NewConn(r, w, a.routes(), rpc.Options{
		Logger:          logger,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		Gate:            a.gate,
		ShutdownGrace:   cfg.Timeouts.ShutdownGrace(),
	})
	a.client = &clientProxy{conn: a.conn, timeout: cfg.Timeouts.RequestTimeout()}
	a.emitter = agent.NewEmitter(a.conn, logger)
	a.bridge = tools.NewBridge(tools.BridgeOptions{
		Registry:       tools.NewDefaultRegistry(),
		Provider:       a.mcp,
		AutoApprove:    autoApproveKinds(cfg.Policy.AutoApprove),
		RequestTimeout: cfg.Timeouts.RequestTimeout(),
		ToolTimeout:    cfg.Timeouts.ToolTimeout(),
		Logger:         logger,
	})
	engine := opts.Engine
	if engine == nil {
		engine = agent.EchoEngine{}
	}
	a.runner = agent.NewRunner(agent.RunnerConfig{
		Engine:  engine,
		Bridge:  a.bridge,
		Emitter: a.emitter,
		Store:   a.store,
		Metrics: a.metrics,
		Tracer:  opts.Tracer,
		Logger:  logger,
	})
	return a
}

func autoApproveKinds(names []string) []protocol.ToolKind {
	kinds := make([]protocol.ToolKind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, protocol.ToolKind(n))
	}
	return kinds
}

// Serve runs the connection until the client closes its input, ctx is
// cancelled or the transport fails. Running turns are then cancelled and
// every live session is persisted before Serve returns.
func (a *Agent) Serve(ctx context.Context) error {
	a.logger.Info("serving", "sessionsDir", a.store.Dir())
	serveErr := a.conn.Serve(ctx)

	grace := a.cfg.Timeouts.ShutdownGrace()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	var errs []error
	if err := a.store.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.emitter.Shutdown(shutdownCtx)
	a.mcp.CloseAll()

	if a.metrics != nil {
		snap := a.metrics.Snapshot()
		a.logger.Info("connection closed", "uptime", snap.Uptime.Round(time.Second), "turns", snap.Turns, "tools", len(snap.Tools))
	}
	if len(errs) > 0 {
		a.logger.Error("shutdown", "err", errors.Join(errs...))
	}
	return serveErr
}

// Capabilities returns the negotiated capability set. It is the zero
// value before initialize.
func (a *Agent) Capabilities() protocol.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

func (a *Agent) routes() map[string]rpc.Route {
	return map[string]rpc.Route{
		protocol.MethodInitialize:       {Handler: a.initialize, Inline: true},
		protocol.MethodAuthenticate:     {Handler: a.authenticate, Inline: true},
		protocol.MethodSessionNew:       {Handler: a.newSession},
		protocol.MethodSessionLoad:      {Handler: a.loadSession},
		protocol.MethodSessionPrompt:    {Handler: a.prompt},
		protocol.MethodSessionCancel:    {Handler: a.cancel, Inline: true, Notification: true},
		protocol.MethodSessionList:      {Handler: a.listSessions},
		protocol.MethodSessionTerminate: {Handler: a.terminate},
		protocol.MethodSessionDelete:    {Handler: a.deleteSession},
	}
}

// gate admits only initialize before the handshake, session methods only
// after authentication when auth methods are configured, and session/load
// only when it was negotiated.
func (a *Agent) gate(method string) error {
	if method == protocol.MethodInitialize {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return rpc.NewError(rpc.CodeNotInitialized, "not initialized", map[string]string{"method": method})
	}
	if method == protocol.MethodAuthenticate {
		return nil
	}
	if isSessionMethod(method) && a.cfg.Auth.Required() && !a.authenticated {
		return rpc.NewError(rpc.CodeAuthRequired, "authentication required", nil)
	}
	if method == protocol.MethodSessionLoad && !a.caps.LoadSession {
		return rpc.MethodNotFound(method)
	}
	return nil
}

func isSessionMethod(method string) bool {
	return strings.HasPrefix(method, "session/") || strings.HasPrefix(method, "_session/")
}

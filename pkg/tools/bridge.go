package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/traceevent"
)

var (
	// ErrUnknownTool is returned for intents naming no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateCall is returned when a tool call id is reused in a session.
	ErrDuplicateCall = errors.New("duplicate tool call id")
	// ErrDenied is reported for calls the user rejected.
	ErrDenied = errors.New("permission denied by user")
)

// Session is the part of a session the bridge needs.
type Session interface {
	ID() string
	CWD() string
	SetAwaitingPermission(waiting bool)
}

// Client is the connected client, reached over the ACP connection.
type Client interface {
	FileSystem
	RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (protocol.RequestPermissionResult, error)
}

// Intent is a tool call requested by the model engine.
type Intent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Observation is the outcome of a tool call, handed back to the engine.
type Observation struct {
	ToolCallID string     `json:"toolCallId"`
	Name       string     `json:"name"`
	Status     CallStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	ExitCode   int        `json:"exitCode"`
	Error      string     `json:"error,omitempty"`
}

// Env is the per-turn context of a tool call.
type Env struct {
	Session Session
	Caps    protocol.Capabilities
	Client  Client
	// Emit publishes a session update for the call.
	Emit func(protocol.SessionUpdate)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Registry *Registry
	// Provider supplies session-scoped tools, such as MCP tools.
	Provider       Provider
	AutoApprove    []protocol.ToolKind
	RequestTimeout time.Duration
	ToolTimeout    time.Duration
	Logger         *slog.Logger
}

// Bridge turns engine intents into permissioned tool executions.
type Bridge struct {
	registry       *Registry
	provider       Provider
	autoApprove    map[protocol.ToolKind]bool
	requestTimeout time.Duration
	toolTimeout    time.Duration
	logger         *slog.Logger

	calls *ledger

	mu         sync.Mutex
	remembered map[string]map[string]Decision
}

// NewBridge creates a bridge.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 60 * time.Second
	}
	auto := make(map[protocol.ToolKind]bool, len(opts.AutoApprove))
	for _, k := range opts.AutoApprove {
		auto[k] = true
	}
	return &Bridge{
		registry:       opts.Registry,
		provider:       opts.Provider,
		autoApprove:    auto,
		requestTimeout: opts.RequestTimeout,
		toolTimeout:    opts.ToolTimeout,
		logger:         opts.Logger.With("component", "tools"),
		calls:          newLedger(),
		remembered:     make(map[string]map[string]Decision),
	}
}

// Tools returns every tool available to a session, built-in tools first.
func (b *Bridge) Tools(ctx context.Context, sessionID string) []Tool {
	all := b.registry.All()
	if b.provider == nil {
		return all
	}
	extra, err := b.provider.SessionTools(ctx, sessionID)
	if err != nil {
		b.logger.Warn("session tools unavailable", "session", sessionID, "err", err)
		return all
	}
	return append(all, extra...)
}

// Specs describes the tools of a session to the engine.
func (b *Bridge) Specs(ctx context.Context, sessionID string) []Spec {
	tools := b.Tools(ctx, sessionID)
	specs := make([]Spec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, SpecOf(t))
	}
	return specs
}

// Call returns a tracked tool call.
func (b *Bridge) Call(sessionID, id string) (*ToolCall, bool) {
	return b.calls.get(sessionID, id)
}

// Forget drops the tool calls and remembered decisions of a session.
func (b *Bridge) Forget(sessionID string) {
	b.calls.forget(sessionID)
	b.mu.Lock()
	delete(b.remembered, sessionID)
	b.mu.Unlock()
}

// Run executes one intent to a terminal status. It never returns an error:
// every outcome, including rejections, is reported as an Observation.
func (b *Bridge) Run(ctx context.Context, env Env, intent Intent) Observation {
	span := traceevent.StartSpan(ctx, intent.Name, traceevent.CategoryTool, env.Session.ID())
	obs := b.run(ctx, env, intent)
	span.AddField("toolCallId", obs.ToolCallID)
	span.AddField("status", obs.Status.String())
	span.End()
	return obs
}

func (b *Bridge) run(ctx context.Context, env Env, intent Intent) Observation {
	sessionID := env.Session.ID()
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if len(intent.Arguments) == 0 {
		intent.Arguments = json.RawMessage("{}")
	}
	call := newToolCall(intent.ID, intent.Name, sessionID, intent.Arguments)
	logger := b.logger.With("session", sessionID, "tool", intent.Name, "call", intent.ID)

	if !b.calls.add(call) {
		// The call that owns the id keeps it; this one is only reported.
		logger.Warn("duplicate tool call id")
		return observe(call, StatusFailed, Result{ExitCode: -1, Error: ErrDuplicateCall.Error()})
	}

	tool, remote := b.lookup(ctx, sessionID, intent.Name)
	if tool == nil {
		logger.Warn("unknown tool")
		return b.fail(env, call, "", fmt.Errorf("%w: %s", ErrUnknownTool, intent.Name))
	}
	call.Kind = tool.Kind()

	var args map[string]any
	if err := json.Unmarshal(intent.Arguments, &args); err != nil {
		return b.fail(env, call, tool.Title(nil), fmt.Errorf("invalid arguments: %w", err))
	}
	title := tool.Title(args)
	call.describe(title)

	cwd := env.Session.CWD()
	paths := tool.Paths(args)
	inside := true
	var locations []protocol.ToolCallLocation
	for _, p := range paths {
		resolved, ok, err := Resolve(cwd, p)
		if err != nil || !ok {
			inside = false
			if call.Kind.Mutating() || remote {
				logger.Warn("path escapes working directory", "path", p)
				return b.fail(env, call, title, fmt.Errorf("%w: %s is outside %s", ErrPermissionDenied, p, cwd))
			}
			resolved = joinPath(cwd, p)
		}
		locations = append(locations, protocol.ToolCallLocation{Path: resolved})
	}

	if req, ok := tool.(Requirer); ok {
		if err := req.Requires(env.Caps); err != nil {
			return b.fail(env, call, title, err)
		}
	}

	env.emit(protocol.ToolCallStarted(call.ID, title, call.Kind, intent.Arguments, locations))

	status, err := b.authorize(ctx, env, call, protocol.ToolCallUpdate{
		ToolCallID: call.ID,
		Title:      title,
		Kind:       call.Kind,
		Status:     protocol.ToolStatusPending,
		Locations:  locations,
		RawInput:   intent.Arguments,
	}, inside)
	if err != nil {
		logger.Info("tool call not executed", "status", status, "err", err)
		return b.finish(env, call, status, Result{ExitCode: -1, Error: err.Error()})
	}

	if ctx.Err() != nil {
		return b.finish(env, call, StatusCancelled, Result{ExitCode: -1, Error: "cancelled"})
	}
	// The tree may have changed while permission was pending.
	if call.Kind.Mutating() || remote {
		if err := confineAll(cwd, paths); err != nil {
			logger.Warn("path escapes working directory at execution", "err", err)
			return b.finish(env, call, StatusFailed, Result{ExitCode: -1, Error: err.Error()})
		}
	}
	if err := call.transition(StatusExecuting); err != nil {
		return b.finish(env, call, StatusFailed, Result{ExitCode: -1, Error: err.Error()})
	}
	env.emit(protocol.ToolCallProgress(call.ID, protocol.ToolStatusInProgress))

	execCtx := ctx
	if p, ok := tool.(Preemptible); !ok || !p.Preemptible() {
		execCtx = context.WithoutCancel(ctx)
	}
	execCtx, cancel := context.WithTimeout(execCtx, b.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Execute(execCtx, Call{SessionID: sessionID, CWD: cwd, Args: args, FS: env.Client})
	logger.Debug("tool executed", "duration", time.Since(start), "exit", result.ExitCode, "err", err)
	switch {
	case err != nil && ctx.Err() != nil:
		if result.Error == "" {
			result.Error = "cancelled"
		}
		return b.finish(env, call, StatusCancelled, result)
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("tool timed out after %s", b.toolTimeout)
		}
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		result.Error = err.Error()
		return b.finish(env, call, StatusFailed, result)
	}
	return b.finish(env, call, StatusCompleted, result)
}

func confineAll(cwd string, paths []string) error {
	for _, p := range paths {
		if _, err := Confine(cwd, p); err != nil {
			return fmt.Errorf("%w: %s is outside %s", ErrPermissionDenied, p, cwd)
		}
	}
	return nil
}

func (b *Bridge) lookup(ctx context.Context, sessionID, name string) (Tool, bool) {
	if tool, ok := b.registry.Get(name); ok {
		return tool, false
	}
	if b.provider == nil {
		return nil, false
	}
	tools, err := b.provider.SessionTools(ctx, sessionID)
	if err != nil {
		b.logger.Warn("session tools unavailable", "session", sessionID, "err", err)
		return nil, false
	}
	for _, t := range tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// authorize decides the call. On refusal it returns the terminal status
// to report and the reason.
func (b *Bridge) authorize(ctx context.Context, env Env, call *ToolCall, update protocol.ToolCallUpdate, inside bool) (CallStatus, error) {
	sessionID := env.Session.ID()
	if inside && b.autoApprove[call.Kind] {
		call.decide(DecisionAllowed, SourcePolicy)
		return StatusExecuting, nil
	}
	if d, ok := b.recall(sessionID, call.Name); ok {
		call.decide(d, SourceRemembered)
		if d == DecisionDenied {
			return StatusCancelled, ErrDenied
		}
		return StatusExecuting, nil
	}
	if env.Client == nil {
		return StatusFailed, errors.New("no client to ask for permission")
	}

	if err := call.transition(StatusPermissionPending); err != nil {
		return StatusFailed, err
	}
	env.Session.SetAwaitingPermission(true)
	defer env.Session.SetAwaitingPermission(false)

	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	resp, err := env.Client.RequestPermission(reqCtx, protocol.RequestPermissionParams{
		SessionID: sessionID,
		ToolCall:  update,
		Options:   protocol.DefaultPermissionOptions(),
	})
	switch {
	case err != nil && ctx.Err() != nil:
		call.decide(DecisionDenied, SourceClient)
		return StatusCancelled, ctx.Err()
	case err != nil && reqCtx.Err() != nil:
		call.decide(DecisionDenied, SourceClient)
		return StatusFailed, fmt.Errorf("permission request timed out after %s", b.requestTimeout)
	case err != nil:
		call.decide(DecisionDenied, SourceClient)
		return StatusFailed, fmt.Errorf("permission request: %w", err)
	}

	if resp.Outcome.Outcome != protocol.OutcomeSelected {
		call.decide(DecisionDenied, SourceClient)
		return StatusCancelled, errors.New("permission request cancelled")
	}
	switch resp.Outcome.OptionID {
	case protocol.PermissionAllowAlways:
		b.remember(sessionID, call.Name, DecisionAllowed)
		fallthrough
	case protocol.PermissionAllowOnce:
		call.decide(DecisionAllowed, SourceClient)
		return StatusExecuting, nil
	case protocol.PermissionRejectAlways:
		b.remember(sessionID, call.Name, DecisionDenied)
	}
	call.decide(DecisionDenied, SourceClient)
	return StatusCancelled, ErrDenied
}

func (b *Bridge) recall(sessionID, tool string) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.remembered[sessionID][tool]
	return d, ok
}

func (b *Bridge) remember(sessionID, tool string, d Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.remembered[sessionID]
	if !ok {
		m = make(map[string]Decision)
		b.remembered[sessionID] = m
	}
	m[tool] = d
}

// fail rejects a call before any client message has been sent for it,
// then reports the failure with a single tool_call update.
func (b *Bridge) fail(env Env, call *ToolCall, title string, err error) Observation {
	call.decide(DecisionDenied, SourcePolicy)
	result := Result{ExitCode: -1, Error: err.Error()}
	_ = call.transition(StatusFailed)
	if title == "" {
		title = call.Name
	}
	u := protocol.ToolCallStarted(call.ID, title, call.Kind, call.Arguments, nil)
	u.Status = protocol.ToolStatusFailed
	u.ToolContent = protocol.TextToolContent(err.Error())
	u.RawOutput = rawOutput(result)
	env.emit(u)
	return observe(call, StatusFailed, result)
}

func (b *Bridge) finish(env Env, call *ToolCall, status CallStatus, result Result) Observation {
	if err := call.transition(status); err != nil {
		b.logger.Error("tool call transition", "call", call.ID, "err", err)
	}
	text := result.Output
	if result.Error != "" {
		if text != "" {
			text += "\n"
		}
		text += result.Error
	}
	env.emit(protocol.ToolCallFinished(call.ID, status.Wire(), text, rawOutput(result)))
	return observe(call, status, result)
}

func (e Env) emit(u protocol.SessionUpdate) {
	if e.Emit != nil {
		e.Emit(u)
	}
}

func observe(call *ToolCall, status CallStatus, result Result) Observation {
	return Observation{
		ToolCallID: call.ID,
		Name:       call.Name,
		Status:     status,
		Output:     result.Output,
		ExitCode:   result.ExitCode,
		Error:      result.Error,
	}
}

func rawOutput(result Result) json.RawMessage {
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return data
}

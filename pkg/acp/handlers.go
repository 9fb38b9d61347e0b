package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tiancaiamao/acp/pkg/agent"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/rpc"
	"github.com/tiancaiamao/acp/pkg/session"
)

// LoadSessionResult answers session/load with the replayed turns.
type LoadSessionResult struct {
	SessionID string         `json:"sessionId"`
	History   []session.Turn `json:"history"`
}

// ListSessionsResult answers _session/list.
type ListSessionsResult struct {
	Sessions []session.Summary `json:"sessions"`
}

type empty struct{}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return rpc.InvalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpc.InvalidParams(err.Error())
	}
	return nil
}

func (a *Agent) initialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.InitializeParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil, rpc.InvalidRequest("already initialized")
	}
	version, err := negotiateVersion(p.ProtocolVersion)
	if err != nil {
		a.logger.Warn("protocol version mismatch", "requested", p.ProtocolVersion)
		return nil, err
	}
	a.initialized = true
	a.caps = negotiateCapabilities(version, a.cfg.Capabilities, p.ClientCapabilities)

	client := "unknown"
	if p.ClientInfo != nil {
		client = p.ClientInfo.Name
	}
	a.logger.Info("initialized", "client", client, "protocolVersion", version, "caps", a.caps)
	return protocol.InitializeResult{
		ProtocolVersion:   version,
		AgentCapabilities: a.advertised(),
		AgentInfo:         &a.info,
		AuthMethods:       a.authMethods(),
	}, nil
}

func (a *Agent) authenticate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.AuthenticateParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := a.cfg.Auth.Resolve(p.MethodID); err != nil {
		a.logger.Warn("authentication failed", "method", p.MethodID, "err", err)
		return nil, rpc.NewError(rpc.CodeAuthRequired, "authentication failed", map[string]string{"detail": err.Error()})
	}
	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()
	a.logger.Info("authenticated", "method", p.MethodID)
	return empty{}, nil
}

func (a *Agent) newSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.NewSessionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := checkMCPServers(p.MCPServers); err != nil {
		return nil, err
	}
	sess, err := a.store.Create(p.CWD, p.MCPServers)
	if err != nil {
		return nil, a.toRPCError(err)
	}
	a.mcp.Attach(sess.ID(), sess.MCPServers())
	return protocol.NewSessionResult{SessionID: sess.ID()}, nil
}

func (a *Agent) loadSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.LoadSessionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := checkMCPServers(p.MCPServers); err != nil {
		return nil, err
	}
	cwd := p.CWD
	if cwd != "" {
		cwd = filepath.Clean(cwd)
		if err := session.ValidateWorkingDir(cwd); err != nil {
			return nil, a.toRPCError(err)
		}
	}

	sess, err := a.store.Load(p.SessionID)
	if err != nil {
		return nil, a.toRPCError(err)
	}
	// Busy while a turn streams. A turn started after this is not replayed.
	if err := sess.Rebind(cwd, p.MCPServers); err != nil {
		return nil, a.toRPCError(err)
	}
	a.mcp.Attach(sess.ID(), sess.MCPServers())

	turns := sess.Turns()
	history := make([]session.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.Status == session.TurnRunning {
			continue
		}
		history = append(history, turn)
	}
	for _, turn := range history {
		for _, block := range turn.Prompt {
			a.emitter.Emit(sess.ID(), protocol.UserMessageChunk(block))
		}
		for _, u := range turn.Updates {
			a.emitter.Emit(sess.ID(), u)
		}
	}
	if err := a.emitter.Flush(ctx, sess.ID()); err != nil {
		return nil, err
	}
	a.logger.Info("session replayed", "session", sess.ID(), "turns", len(history))
	return LoadSessionResult{SessionID: sess.ID(), History: history}, nil
}

func (a *Agent) prompt(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.PromptParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	caps := a.Capabilities()
	if err := checkPrompt(p.Prompt, caps); err != nil {
		return nil, err
	}
	sess, err := a.store.Get(p.SessionID)
	if err != nil {
		return nil, a.toRPCError(err)
	}

	reason, err := a.runner.Prompt(ctx, agent.PromptInput{
		Session: sess,
		Prompt:  p.Prompt,
		Caps:    caps,
		Client:  a.client,
	})
	if err != nil {
		return nil, a.toRPCError(err)
	}
	return protocol.PromptResult{StopReason: reason}, nil
}

// cancel serves both the session/cancel notification and its request
// form. Only the request form reports unknown sessions.
func (a *Agent) cancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.SessionIDParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := a.store.Cancel(p.SessionID); err != nil {
		return nil, a.toRPCError(err)
	}
	return empty{}, nil
}

func (a *Agent) listSessions(ctx context.Context, raw json.RawMessage) (any, error) {
	summaries, err := a.store.List()
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	return ListSessionsResult{Sessions: summaries}, nil
}

func (a *Agent) terminate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.SessionIDParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := a.store.Terminate(ctx, p.SessionID); err != nil {
		return nil, a.toRPCError(err)
	}
	if err := a.emitter.Flush(ctx, p.SessionID); err != nil {
		a.logger.Warn("flush before terminate", "session", p.SessionID, "err", err)
	}
	a.emitter.Close(p.SessionID)
	a.mcp.Close(p.SessionID)
	a.bridge.Forget(p.SessionID)
	return empty{}, nil
}

// deleteSession removes a session and its record. A session with a running
// turn answers Busy.
func (a *Agent) deleteSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p protocol.SessionIDParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := a.store.Delete(p.SessionID); err != nil {
		return nil, a.toRPCError(err)
	}
	a.emitter.Close(p.SessionID)
	a.mcp.Close(p.SessionID)
	a.bridge.Forget(p.SessionID)
	return empty{}, nil
}

func checkMCPServers(servers []protocol.MCPServer) error {
	for i, s := range servers {
		switch s.Transport() {
		case protocol.MCPTransportStdio:
			if s.Command == "" {
				return rpc.InvalidParams(fmt.Sprintf("mcpServers[%d]: command is required", i))
			}
		case protocol.MCPTransportHTTP, protocol.MCPTransportSSE:
			if s.URL == "" {
				return rpc.InvalidParams(fmt.Sprintf("mcpServers[%d]: url is required", i))
			}
		default:
			return rpc.InvalidParams(fmt.Sprintf("mcpServers[%d]: unsupported transport %q", i, s.Type))
		}
	}
	return nil
}

// checkPrompt rejects content the agent did not advertise.
func checkPrompt(blocks []protocol.ContentBlock, caps protocol.Capabilities) error {
	if len(blocks) == 0 {
		return rpc.InvalidParams("prompt is empty")
	}
	for i, b := range blocks {
		switch b.Type {
		case protocol.ContentText, protocol.ContentResourceLink:
		case protocol.ContentResource:
			if !caps.EmbeddedContext {
				return rpc.InvalidParams(fmt.Sprintf("prompt[%d]: embedded context is not supported", i))
			}
			if b.Resource == nil {
				return rpc.InvalidParams(fmt.Sprintf("prompt[%d]: resource is missing", i))
			}
		default:
			return rpc.InvalidParams(fmt.Sprintf("prompt[%d]: unsupported content type %q", i, b.Type))
		}
	}
	return nil
}

// toRPCError maps internal errors to wire errors with fixed messages and
// logs the raw error. Unknown errors pass through and are reported as
// internal errors by the connection.
func (a *Agent) toRPCError(err error) error {
	var wire *rpc.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		wire = rpc.NewError(rpc.CodeNotFound, "session not found", nil)
	case errors.Is(err, session.ErrCorrupt):
		wire = rpc.NewError(rpc.CodeCorrupt, "session record is corrupt", map[string]string{"detail": "record unreadable"})
	case errors.Is(err, session.ErrBusy):
		wire = rpc.NewError(rpc.CodeBusy, "session is busy", nil)
	case errors.Is(err, session.ErrTerminated):
		wire = rpc.NewError(rpc.CodeTerminated, "session is terminated", nil)
	case errors.Is(err, session.ErrInaccessible):
		wire = rpc.InvalidParams(session.ErrInaccessible.Error())
	case errors.Is(err, agent.ErrTurnFailed):
		wire = rpc.NewError(rpc.CodeInternalError, "internal error", map[string]string{"turnStatus": string(session.TurnFailed)})
	default:
		return err
	}
	a.logger.Warn("request failed", "code", wire.Code, "err", err)
	return wire
}

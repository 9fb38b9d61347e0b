package acp_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiancaiamao/acp/pkg/acp"
	"github.com/tiancaiamao/acp/pkg/agent/agenttest"
	"github.com/tiancaiamao/acp/pkg/config"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/rpc"
	"github.com/tiancaiamao/acp/pkg/session"
)

// harness connects an Agent to a client-side rpc.Conn over two pipes.
type harness struct {
	t      *testing.T
	cfg    *config.Config
	cwd    string
	engine *agenttest.ScriptedEngine
	client *rpc.Conn

	mu          sync.Mutex
	updates     []protocol.SessionNotification
	permissions []protocol.RequestPermissionParams
	writes      []protocol.WriteTextFileParams
	permit      func(protocol.RequestPermissionParams) protocol.RequestPermissionResult
}

func selected(option string) func(protocol.RequestPermissionParams) protocol.RequestPermissionResult {
	return func(protocol.RequestPermissionParams) protocol.RequestPermissionResult {
		return protocol.RequestPermissionResult{Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: option}}
	}
}

func newHarness(t *testing.T, cfg *config.Config, scripts ...[]agenttest.Step) *harness {
	t.Helper()
	cwd, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "README.md"), []byte("hello"), 0o644))
	if cfg == nil {
		cfg = testConfig(t)
	}

	h := &harness{t: t, cfg: cfg, cwd: cwd, engine: agenttest.New(scripts...), permit: selected(protocol.PermissionAllowOnce)}

	agentIn, clientOut := io.Pipe()
	clientIn, agentOut := io.Pipe()
	a := acp.New(agentIn, agentOut, acp.Options{Config: cfg, Engine: h.engine, Version: "test"})
	h.client = rpc.NewConn(clientIn, clientOut, h.routes(), rpc.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background()) }()
	go h.client.Serve(ctx)

	t.Cleanup(func() {
		clientOut.Close()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("agent did not shut down")
		}
		agentOut.Close()
		cancel()
	})
	return h
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.SessionsDir = t.TempDir()
	cfg.Timeouts.Shutdown = 1
	return cfg
}

func (h *harness) routes() map[string]rpc.Route {
	return map[string]rpc.Route{
		protocol.MethodSessionUpdate: {
			Notification: true,
			Inline:       true,
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var n protocol.SessionNotification
				if err := json.Unmarshal(raw, &n); err != nil {
					return nil, err
				}
				h.mu.Lock()
				h.updates = append(h.updates, n)
				h.mu.Unlock()
				return nil, nil
			},
		},
		protocol.MethodRequestPermission: {Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p protocol.RequestPermissionParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.permissions = append(h.permissions, p)
			permit := h.permit
			h.mu.Unlock()
			return permit(p), nil
		}},
		protocol.MethodReadTextFile: {Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p protocol.ReadTextFileParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(p.Path)
			if err != nil {
				return nil, rpc.NewError(rpc.CodeNotFound, "no such file", nil)
			}
			return protocol.ReadTextFileResult{Content: string(data)}, nil
		}},
		protocol.MethodWriteTextFile: {Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p protocol.WriteTextFileParams
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.writes = append(h.writes, p)
			h.mu.Unlock()
			return struct{}{}, nil
		}},
	}
}

func (h *harness) call(method string, params, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Call(ctx, method, params, result)
}

func (h *harness) initialize(caps protocol.ClientCapabilities) protocol.InitializeResult {
	h.t.Helper()
	var res protocol.InitializeResult
	require.NoError(h.t, h.call(protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion:    protocol.Version,
		ClientCapabilities: caps,
		ClientInfo:         &protocol.Implementation{Name: "test-client", Version: "1"},
	}, &res))
	return res
}

func (h *harness) newSession() string {
	h.t.Helper()
	var res protocol.NewSessionResult
	require.NoError(h.t, h.call(protocol.MethodSessionNew, protocol.NewSessionParams{CWD: h.cwd}, &res))
	require.NotEmpty(h.t, res.SessionID)
	return res.SessionID
}

func (h *harness) prompt(sessionID, text string) (protocol.StopReason, error) {
	var res protocol.PromptResult
	err := h.call(protocol.MethodSessionPrompt, protocol.PromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(text)},
	}, &res)
	return res.StopReason, err
}

func (h *harness) updateKinds(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []string
	for _, n := range h.updates {
		if n.SessionID == sessionID {
			kinds = append(kinds, n.Update.SessionUpdate)
		}
	}
	return kinds
}

func (h *harness) sessionUpdates(sessionID string) []protocol.SessionUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.SessionUpdate
	for _, n := range h.updates {
		if n.SessionID == sessionID {
			out = append(out, n.Update)
		}
	}
	return out
}

func requireCode(t *testing.T, err error, code int) *rpc.Error {
	t.Helper()
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, code, rerr.Code, rerr.Message)
	return rerr
}

func TestInitializeNegotiation(t *testing.T) {
	h := newHarness(t, nil)

	err := h.call(protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: 0}, nil)
	rerr := requireCode(t, err, rpc.CodeVersionMismatch)
	data, ok := rerr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{float64(1)}, data["supported"])
	assert.Equal(t, float64(0), data["requested"])

	var res protocol.InitializeResult
	require.NoError(t, h.call(protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: 7}, &res))
	assert.Equal(t, 1, res.ProtocolVersion)
	assert.True(t, res.AgentCapabilities.LoadSession)
	assert.True(t, res.AgentCapabilities.PromptCapabilities.EmbeddedContext)
	assert.False(t, res.AgentCapabilities.PromptCapabilities.Image)
	assert.Empty(t, res.AuthMethods)
	require.NotNil(t, res.AgentInfo)
	assert.Equal(t, "test", res.AgentInfo.Version)

	err = h.call(protocol.MethodInitialize, protocol.InitializeParams{ProtocolVersion: 1}, nil)
	requireCode(t, err, rpc.CodeInvalidRequest)
}

func TestNotInitialized(t *testing.T) {
	h := newHarness(t, nil)

	err := h.call(protocol.MethodSessionNew, protocol.NewSessionParams{CWD: h.cwd}, nil)
	requireCode(t, err, rpc.CodeNotInitialized)

	err = h.call("session/unknown", struct{}{}, nil)
	requireCode(t, err, rpc.CodeMethodNotFound)
}

func TestAuthentication(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Methods = []config.AuthMethod{{ID: "token", Name: "API token", Env: "ACP_TEST_TOKEN"}}
	t.Setenv("ACP_TEST_TOKEN", "")
	h := newHarness(t, cfg)

	res := h.initialize(protocol.ClientCapabilities{})
	require.Len(t, res.AuthMethods, 1)
	assert.Equal(t, "token", res.AuthMethods[0].ID)

	err := h.call(protocol.MethodSessionNew, protocol.NewSessionParams{CWD: h.cwd}, nil)
	requireCode(t, err, rpc.CodeAuthRequired)

	err = h.call(protocol.MethodAuthenticate, protocol.AuthenticateParams{MethodID: "token"}, nil)
	requireCode(t, err, rpc.CodeAuthRequired)
	err = h.call(protocol.MethodAuthenticate, protocol.AuthenticateParams{MethodID: "password"}, nil)
	requireCode(t, err, rpc.CodeAuthRequired)

	t.Setenv("ACP_TEST_TOKEN", "secret")
	require.NoError(t, h.call(protocol.MethodAuthenticate, protocol.AuthenticateParams{MethodID: "token"}, nil))
	h.newSession()
}

func TestNewSessionInvalidCwd(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(protocol.ClientCapabilities{})

	err := h.call(protocol.MethodSessionNew, protocol.NewSessionParams{CWD: "relative/dir"}, nil)
	requireCode(t, err, rpc.CodeInvalidParams)

	err = h.call(protocol.MethodSessionNew, protocol.NewSessionParams{CWD: filepath.Join(h.cwd, "missing")}, nil)
	rerr := requireCode(t, err, rpc.CodeInvalidParams)
	assert.Equal(t, map[string]any{"detail": "working directory is inaccessible"}, rerr.Data)

	err = h.call(protocol.MethodSessionNew, protocol.NewSessionParams{
		CWD:        h.cwd,
		MCPServers: []protocol.MCPServer{{Name: "x", Type: "websocket", URL: "ws://localhost"}},
	}, nil)
	requireCode(t, err, rpc.CodeInvalidParams)
}

func TestPromptListFiles(t *testing.T) {
	h := newHarness(t, nil, []agenttest.Step{
		agenttest.ToolCall("call-1", "list_directory", map[string]any{}),
		agenttest.Text("I see README.md"),
	})
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()

	reason, err := h.prompt(sid, "list files")
	require.NoError(t, err)
	assert.Equal(t, protocol.StopEndTurn, reason)

	// Every update arrived before the response.
	assert.Equal(t, []string{
		protocol.UpdateToolCall,
		protocol.UpdateToolCallUpdate,
		protocol.UpdateToolCallUpdate,
		protocol.UpdateAgentMessageChunk,
	}, h.updateKinds(sid))
	updates := h.sessionUpdates(sid)
	assert.Equal(t, protocol.ToolStatusPending, updates[0].Status)
	assert.Equal(t, protocol.ToolKindRead, updates[0].Kind)
	assert.Equal(t, protocol.ToolStatusInProgress, updates[1].Status)
	assert.Equal(t, protocol.ToolStatusCompleted, updates[2].Status)

	h.mu.Lock()
	require.Len(t, h.permissions, 1)
	assert.Equal(t, "call-1", h.permissions[0].ToolCall.ToolCallID)
	assert.Equal(t, sid, h.permissions[0].SessionID)
	h.mu.Unlock()

	obs := h.engine.Observations()
	require.Len(t, obs, 1)
	assert.Equal(t, "README.md", obs[0].Output)
}

func TestPromptBusyAndCancel(t *testing.T) {
	h := newHarness(t, nil, []agenttest.Step{agenttest.Text("thinking"), agenttest.Block()})
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()

	type outcome struct {
		reason protocol.StopReason
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		reason, err := h.prompt(sid, "slow")
		done <- outcome{reason, err}
	}()
	select {
	case <-h.engine.Blocking:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never blocked")
	}

	_, err := h.prompt(sid, "again")
	requireCode(t, err, rpc.CodeBusy)
	// Nothing is replayed or deleted while the turn streams.
	err = h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: sid}, nil)
	requireCode(t, err, rpc.CodeBusy)
	err = h.call(protocol.MethodSessionDelete, protocol.SessionIDParams{SessionID: sid}, nil)
	requireCode(t, err, rpc.CodeBusy)

	require.NoError(t, h.client.Notify(context.Background(), protocol.MethodSessionCancel, protocol.SessionIDParams{SessionID: sid}))
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, protocol.StopCancelled, out.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not end after cancel")
	}

	// The session accepts the next prompt.
	reason, err := h.prompt(sid, "next")
	require.NoError(t, err)
	assert.Equal(t, protocol.StopEndTurn, reason)

	// Cancel without a running turn is a no-op; the request form reports unknown sessions.
	require.NoError(t, h.call(protocol.MethodSessionCancel, protocol.SessionIDParams{SessionID: sid}, nil))
	err = h.call(protocol.MethodSessionCancel, protocol.SessionIDParams{SessionID: uuid.NewString()}, nil)
	requireCode(t, err, rpc.CodeNotFound)
}

func TestPathEscapeRejectedBeforePermission(t *testing.T) {
	h := newHarness(t, nil, []agenttest.Step{
		agenttest.ToolCall("call-1", "write_file", map[string]any{"path": "../../etc/passwd", "content": "x"}),
	})
	h.initialize(protocol.ClientCapabilities{FS: protocol.FileSystemCapability{ReadTextFile: true, WriteTextFile: true}})
	sid := h.newSession()

	reason, err := h.prompt(sid, "overwrite passwd")
	require.NoError(t, err)
	assert.Equal(t, protocol.StopEndTurn, reason)

	h.mu.Lock()
	assert.Empty(t, h.permissions)
	assert.Empty(t, h.writes)
	h.mu.Unlock()

	updates := h.sessionUpdates(sid)
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.UpdateToolCall, updates[0].SessionUpdate)
	assert.Equal(t, protocol.ToolStatusFailed, updates[0].Status)

	obs := h.engine.Observations()
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0].Error, "outside")
}

func TestClientFileWrite(t *testing.T) {
	h := newHarness(t, nil, []agenttest.Step{
		agenttest.ToolCall("w1", "write_file", map[string]any{"path": "notes.txt", "content": "remember"}),
	})
	h.initialize(protocol.ClientCapabilities{FS: protocol.FileSystemCapability{WriteTextFile: true}})
	sid := h.newSession()

	_, err := h.prompt(sid, "write notes")
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.writes, 1)
	assert.Equal(t, filepath.Join(h.cwd, "notes.txt"), h.writes[0].Path)
	assert.Equal(t, "remember", h.writes[0].Content)
	assert.Equal(t, sid, h.writes[0].SessionID)
}

func TestEngineFailure(t *testing.T) {
	h := newHarness(t, nil, []agenttest.Step{agenttest.Fail("model unavailable")})
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()

	_, err := h.prompt(sid, "x")
	rerr := requireCode(t, err, rpc.CodeInternalError)
	assert.Equal(t, map[string]any{"turnStatus": "failed"}, rerr.Data)
}

func TestLoadSessionRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	first := newHarness(t, cfg, []agenttest.Step{agenttest.Text("hi there")})
	first.initialize(protocol.ClientCapabilities{})
	sid := first.newSession()
	_, err := first.prompt(sid, "hello")
	require.NoError(t, err)

	// A second connection to the same store replays the history.
	second := newHarness(t, cfg)
	second.initialize(protocol.ClientCapabilities{})
	var res acp.LoadSessionResult
	require.NoError(t, second.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: sid, CWD: second.cwd}, &res))
	assert.Equal(t, sid, res.SessionID)
	require.Len(t, res.History, 1)
	assert.Equal(t, session.TurnCompleted, res.History[0].Status)
	assert.Equal(t, "hello", res.History[0].Prompt[0].Text)

	updates := second.sessionUpdates(sid)
	require.Len(t, updates, 2)
	assert.Equal(t, protocol.UpdateUserMessageChunk, updates[0].SessionUpdate)
	assert.Equal(t, "hello", updates[0].Content.Text)
	assert.Equal(t, protocol.UpdateAgentMessageChunk, updates[1].SessionUpdate)
	assert.Equal(t, "hi there", updates[1].Content.Text)

	var list acp.ListSessionsResult
	require.NoError(t, second.call(protocol.MethodSessionList, struct{}{}, &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sid, list.Sessions[0].SessionID)
	assert.Equal(t, 1, list.Sessions[0].Turns)
}

func TestLoadSessionErrors(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	h.initialize(protocol.ClientCapabilities{})

	err := h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: "not-a-uuid"}, nil)
	requireCode(t, err, rpc.CodeNotFound)
	err = h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: uuid.NewString()}, nil)
	requireCode(t, err, rpc.CodeNotFound)

	corrupt := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SessionsDir, corrupt+".json"), []byte("{not json"), 0o644))
	err = h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: corrupt}, nil)
	rerr := requireCode(t, err, rpc.CodeCorrupt)
	assert.Equal(t, map[string]any{"detail": "record unreadable"}, rerr.Data)

	_, err = h.prompt(uuid.NewString(), "x")
	requireCode(t, err, rpc.CodeNotFound)
}

func TestLoadSessionNotNegotiated(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capabilities.LoadSession = false
	h := newHarness(t, cfg)
	res := h.initialize(protocol.ClientCapabilities{})
	assert.False(t, res.AgentCapabilities.LoadSession)

	err := h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: uuid.NewString()}, nil)
	requireCode(t, err, rpc.CodeMethodNotFound)
}

func TestPromptContentChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capabilities.EmbeddedContext = false
	h := newHarness(t, cfg)
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()

	for _, blocks := range [][]protocol.ContentBlock{
		nil,
		{{Type: protocol.ContentImage, Data: "aGk=", MimeType: "image/png"}},
		{{Type: protocol.ContentResource, Resource: &protocol.EmbeddedResource{URI: "file:///a", Text: "a"}}},
	} {
		err := h.call(protocol.MethodSessionPrompt, protocol.PromptParams{SessionID: sid, Prompt: blocks}, nil)
		requireCode(t, err, rpc.CodeInvalidParams)
	}
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()

	require.NoError(t, h.call(protocol.MethodSessionTerminate, protocol.SessionIDParams{SessionID: sid}, nil))
	require.NoError(t, h.call(protocol.MethodSessionTerminate, protocol.SessionIDParams{SessionID: sid}, nil))

	_, err := h.prompt(sid, "hello")
	requireCode(t, err, rpc.CodeTerminated)

	// Cancelling a terminated session is a no-op.
	require.NoError(t, h.call(protocol.MethodSessionCancel, protocol.SessionIDParams{SessionID: sid}, nil))
}

func TestDeleteSession(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, []agenttest.Step{agenttest.Text("hi")})
	h.initialize(protocol.ClientCapabilities{})
	sid := h.newSession()
	_, err := h.prompt(sid, "hello")
	require.NoError(t, err)

	require.NoError(t, h.call(protocol.MethodSessionDelete, protocol.SessionIDParams{SessionID: sid}, nil))
	assert.NoFileExists(t, filepath.Join(cfg.SessionsDir, sid+".json"))

	var list acp.ListSessionsResult
	require.NoError(t, h.call(protocol.MethodSessionList, struct{}{}, &list))
	assert.Empty(t, list.Sessions)

	_, err = h.prompt(sid, "again")
	requireCode(t, err, rpc.CodeNotFound)
	err = h.call(protocol.MethodSessionDelete, protocol.SessionIDParams{SessionID: sid}, nil)
	requireCode(t, err, rpc.CodeNotFound)
	err = h.call(protocol.MethodSessionLoad, protocol.LoadSessionParams{SessionID: sid}, nil)
	requireCode(t, err, rpc.CodeNotFound)
}

package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// CallStatus is the lifecycle status of a tool call.
type CallStatus int

const (
	StatusRequested CallStatus = iota
	StatusPermissionPending
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s CallStatus) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusPermissionPending:
		return "permission_pending"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CallStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Wire maps the status to its ACP tool call status. ACP has no cancelled
// status; cancelled calls are reported as failed.
func (s CallStatus) Wire() protocol.ToolCallStatus {
	switch s {
	case StatusRequested, StatusPermissionPending:
		return protocol.ToolStatusPending
	case StatusExecuting:
		return protocol.ToolStatusInProgress
	case StatusCompleted:
		return protocol.ToolStatusCompleted
	default:
		return protocol.ToolStatusFailed
	}
}

// Decision is the outcome of a permission request.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionAllowed
	DecisionDenied
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "pending"
	}
}

// DecisionSource records who decided.
type DecisionSource string

const (
	SourceClient     DecisionSource = "client"
	SourcePolicy     DecisionSource = "policy"
	SourceRemembered DecisionSource = "remembered"
)

// PermissionRequest tracks the authorization of one tool call.
type PermissionRequest struct {
	ToolCallID  string
	Description string
	Decision    Decision
	Source      DecisionSource
}

// ToolCall is one requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Kind      protocol.ToolKind
	Arguments json.RawMessage
	SessionID string

	mu         sync.Mutex
	status     CallStatus
	permission PermissionRequest
}

// Snapshot is a copy of a tool call's state.
type Snapshot struct {
	ID         string
	Name       string
	SessionID  string
	Status     CallStatus
	Permission PermissionRequest
}

func newToolCall(id, name, sessionID string, args json.RawMessage) *ToolCall {
	return &ToolCall{
		ID:         id,
		Name:       name,
		Kind:       protocol.ToolKindOther,
		Arguments:  args,
		SessionID:  sessionID,
		status:     StatusRequested,
		permission: PermissionRequest{ToolCallID: id},
	}
}

// Status returns the current status.
func (c *ToolCall) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Snapshot returns a copy of the call state.
func (c *ToolCall) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{ID: c.ID, Name: c.Name, SessionID: c.SessionID, Status: c.status, Permission: c.permission}
}

func (c *ToolCall) describe(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permission.Description = description
}

func (c *ToolCall) decide(d Decision, source DecisionSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permission.Decision = d
	c.permission.Source = source
}

// transition moves the call to status to. Terminal states are final and
// Executing requires an Allowed decision.
func (c *ToolCall) transition(to CallStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return fmt.Errorf("tool call %s: %s is final", c.ID, c.status)
	}
	if to == StatusExecuting && c.permission.Decision != DecisionAllowed {
		return fmt.Errorf("tool call %s: cannot execute with decision %s", c.ID, c.permission.Decision)
	}
	c.status = to
	return nil
}

// ledger indexes tool calls by session and id.
type ledger struct {
	mu    sync.Mutex
	calls map[string]map[string]*ToolCall
}

func newLedger() *ledger {
	return &ledger{calls: make(map[string]map[string]*ToolCall)}
}

// add registers call. It reports false if the id is already in use in the
// session.
func (l *ledger) add(call *ToolCall) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	bySession, ok := l.calls[call.SessionID]
	if !ok {
		bySession = make(map[string]*ToolCall)
		l.calls[call.SessionID] = bySession
	}
	if _, dup := bySession[call.ID]; dup {
		return false
	}
	bySession[call.ID] = call
	return true
}

func (l *ledger) get(sessionID, id string) (*ToolCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	call, ok := l.calls[sessionID][id]
	return call, ok
}

func (l *ledger) forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.calls, sessionID)
}

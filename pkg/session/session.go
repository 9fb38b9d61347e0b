package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiancaiamao/acp/pkg/protocol"
)

// State is the lifecycle state of a session.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateAwaitingPermission
	StateCancelling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateCancelling:
		return "cancelling"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TurnStatus is the status of one prompt turn.
type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "failed"
)

// Turn is one prompt and everything the agent streamed in response.
type Turn struct {
	ID         string                   `json:"id"`
	Prompt     []protocol.ContentBlock  `json:"prompt"`
	Updates    []protocol.SessionUpdate `json:"updates,omitempty"`
	Status     TurnStatus               `json:"status"`
	StopReason protocol.StopReason      `json:"stopReason,omitempty"`
	StartedAt  time.Time                `json:"startedAt"`
	EndedAt    time.Time                `json:"endedAt,omitzero"`
}

func (t *Turn) clone() Turn {
	c := *t
	c.Prompt = slices.Clone(t.Prompt)
	c.Updates = slices.Clone(t.Updates)
	return c
}

type activeTurn struct {
	turn   *Turn
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is one ACP session. All methods are safe for concurrent use.
type Session struct {
	id string

	mu         sync.Mutex
	cwd        string
	mcpServers []protocol.MCPServer
	state      State
	turns      []*Turn
	active     *activeTurn
	createdAt  time.Time
	updatedAt  time.Time

	// serializes snapshot+write so an older snapshot never overwrites a newer one
	persistMu sync.Mutex
	deleted   bool // guarded by persistMu
}

func newSession(id, cwd string, servers []protocol.MCPServer, now time.Time) *Session {
	return &Session{
		id:         id,
		cwd:        cwd,
		mcpServers: servers,
		state:      StateInitializing,
		createdAt:  now,
		updatedAt:  now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CWD returns the working directory.
func (s *Session) CWD() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// MCPServers returns the MCP server configuration.
func (s *Session) MCPServers() []protocol.MCPServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.mcpServers)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns a copy of the turn history, including a running turn.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.clone()
	}
	return out
}

// Rebind replaces the working directory and MCP configuration of a loaded
// session. Empty values keep the current ones. It fails with ErrBusy while
// a turn runs.
func (s *Session) Rebind(cwd string, servers []protocol.MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrBusy
	}
	if cwd != "" {
		s.cwd = cwd
	}
	if servers != nil {
		s.mcpServers = servers
	}
	return nil
}

func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitializing {
		s.state = StateActive
	}
}

// BeginTurn starts a turn for prompt. It fails with ErrBusy while another
// turn runs and ErrTerminated once the session is closed. If the running
// turn is being cancelled, BeginTurn waits for it to end and then starts.
// The returned context is cancelled by Cancel and by EndTurn.
func (s *Session) BeginTurn(ctx context.Context, prompt []protocol.ContentBlock) (*Turn, context.Context, error) {
	s.mu.Lock()
	for {
		if s.state == StateTerminated {
			s.mu.Unlock()
			return nil, nil, ErrTerminated
		}
		if s.active == nil {
			break
		}
		if s.state != StateCancelling {
			s.mu.Unlock()
			return nil, nil, ErrBusy
		}
		done := s.active.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	now := time.Now().UTC()
	turn := &Turn{
		ID:        uuid.NewString(),
		Prompt:    slices.Clone(prompt),
		Status:    TurnRunning,
		StartedAt: now,
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.active = &activeTurn{turn: turn, cancel: cancel, done: make(chan struct{})}
	s.turns = append(s.turns, turn)
	s.state = StateActive
	s.updatedAt = now
	return turn, turnCtx, nil
}

// Record appends an update to the running turn. Updates arriving after the
// turn ended are ignored.
func (s *Session) Record(update protocol.SessionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.active.turn.Updates = append(s.active.turn.Updates, update)
}

// EndTurn finishes the running turn. The session accepts a new prompt as
// soon as EndTurn returns.
func (s *Session) EndTurn(status TurnStatus, reason protocol.StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	now := time.Now().UTC()
	t := s.active.turn
	t.Status = status
	t.StopReason = reason
	t.EndedAt = now
	s.active.cancel()
	close(s.active.done)
	s.active = nil
	s.updatedAt = now
	if s.state != StateTerminated {
		s.state = StateActive
	}
}

// Cancel asks the running turn to stop at its next checkpoint. It reports
// whether a turn was signalled. Without a running turn, or on a terminated
// session, it does nothing.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated || s.active == nil {
		return false
	}
	s.state = StateCancelling
	s.active.cancel()
	return true
}

// Cancelling reports whether the running turn has been cancelled.
func (s *Session) Cancelling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCancelling
}

// SetAwaitingPermission marks the session as blocked on a permission
// decision, or clears the mark. A cancelling session stays cancelling.
func (s *Session) SetAwaitingPermission(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case waiting && s.state == StateActive && s.active != nil:
		s.state = StateAwaitingPermission
	case !waiting && s.state == StateAwaitingPermission:
		s.state = StateActive
	}
}

// terminate marks the session terminated, cancels a running turn and
// returns a channel closed when that turn has ended. It reports false if
// the session was already terminated.
func (s *Session) terminate() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return nil, false
	}
	s.state = StateTerminated
	if s.active == nil {
		done := make(chan struct{})
		close(done)
		return done, true
	}
	s.active.cancel()
	return s.active.done, true
}

// retire terminates an idle session. It fails with ErrBusy while a turn
// runs.
func (s *Session) retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrBusy
	}
	s.state = StateTerminated
	return nil
}

// cancelAndWait cancels a running turn and returns a channel closed when
// it has ended.
func (s *Session) cancelAndWait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	if s.state != StateTerminated {
		s.state = StateCancelling
	}
	s.active.cancel()
	return s.active.done
}

func (s *Session) record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Record{
		ID:         s.id,
		CWD:        s.cwd,
		MCPServers: slices.Clone(s.mcpServers),
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if len(s.turns) > 0 {
		r.Turns = make([]Turn, len(s.turns))
		for i, t := range s.turns {
			r.Turns[i] = t.clone()
		}
	}
	return r
}

func fromRecord(r Record) *Session {
	s := newSession(r.ID, r.CWD, r.MCPServers, r.CreatedAt)
	s.updatedAt = r.UpdatedAt
	for i := range r.Turns {
		t := r.Turns[i]
		// Interrupted by a shutdown that did not wait for it.
		if t.Status == TurnRunning {
			t.Status = TurnCancelled
			t.StopReason = protocol.StopCancelled
		}
		s.turns = append(s.turns, &t)
	}
	return s
}

package agent

import (
	"context"

	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/session"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// Engine is the reasoning component behind the runtime. It is opaque to
// the runtime: a run produces events and consumes tool observations.
type Engine interface {
	Start(ctx context.Context, req Request) (Run, error)
}

// Request starts one turn.
type Request struct {
	SessionID  string
	WorkingDir string
	Prompt     []protocol.ContentBlock
	// History holds the earlier turns of the session.
	History []session.Turn
	Tools   []tools.Spec
}

// Run is one turn of an engine.
type Run interface {
	// Next returns the next event. io.EOF ends the turn with end_turn.
	Next(ctx context.Context) (Event, error)
	// Observe delivers the outcome of the last tool_call event.
	Observe(ctx context.Context, obs tools.Observation) error
	Close() error
}

// Package agenttest provides a scripted engine for tests.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/tiancaiamao/acp/pkg/agent"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// Step is one scripted engine action.
type Step struct {
	Event agent.Event
	// Block makes Next wait until the turn is cancelled.
	Block bool
	// Err makes Next fail.
	Err error
}

// Text emits an agent message chunk.
func Text(text string) Step { return Step{Event: agent.NewTextEvent(text)} }

// Thought emits an agent thought chunk.
func Thought(text string) Step { return Step{Event: agent.NewThoughtEvent(text)} }

// Plan emits a plan.
func Plan(entries ...protocol.PlanEntry) Step { return Step{Event: agent.NewPlanEvent(entries)} }

// ToolCall requests a tool call.
func ToolCall(id, name string, args map[string]any) Step {
	data, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return Step{Event: agent.NewToolCallEvent(tools.Intent{ID: id, Name: name, Arguments: data})}
}

// Stop ends the turn with reason.
func Stop(reason protocol.StopReason) Step { return Step{Event: agent.NewStopEvent(reason)} }

// Block waits for cancellation.
func Block() Step { return Step{Block: true} }

// Fail fails the turn.
func Fail(msg string) Step { return Step{Err: errors.New(msg)} }

// ScriptedEngine plays one script per turn, in order. Turns beyond the
// scripts end immediately.
type ScriptedEngine struct {
	// Blocking receives a value each time a Block step starts waiting.
	Blocking chan struct{}

	mu           sync.Mutex
	scripts      [][]Step
	requests     []agent.Request
	observations []tools.Observation
}

// New creates an engine with one script per turn.
func New(scripts ...[]Step) *ScriptedEngine {
	return &ScriptedEngine{Blocking: make(chan struct{}, 16), scripts: scripts}
}

// Start implements agent.Engine.
func (e *ScriptedEngine) Start(ctx context.Context, req agent.Request) (agent.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	var script []Step
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	return &run{engine: e, steps: script}, nil
}

// Requests returns the requests of every started turn.
func (e *ScriptedEngine) Requests() []agent.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]agent.Request(nil), e.requests...)
}

// Observations returns every observation delivered so far.
func (e *ScriptedEngine) Observations() []tools.Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tools.Observation(nil), e.observations...)
}

type run struct {
	engine *ScriptedEngine
	steps  []Step
}

func (r *run) Next(ctx context.Context) (agent.Event, error) {
	if len(r.steps) == 0 {
		return agent.Event{}, io.EOF
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	switch {
	case step.Block:
		select {
		case r.engine.Blocking <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return agent.Event{}, ctx.Err()
	case step.Err != nil:
		return agent.Event{}, step.Err
	}
	return step.Event, nil
}

func (r *run) Observe(ctx context.Context, obs tools.Observation) error {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	r.engine.observations = append(r.engine.observations, obs)
	return nil
}

func (r *run) Close() error { return nil }

package agent

import (
	"time"

	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// EventType discriminates engine events.
type EventType string

// Event type constants
const (
	EventText     EventType = "text"
	EventThought  EventType = "thought"
	EventPlan     EventType = "plan"
	EventToolCall EventType = "tool_call"
	EventStop     EventType = "stop"
)

// Event is one step of an engine run.
type Event struct {
	Type EventType `json:"type"`
	// EventAt is when the event was created (UnixNano).
	EventAt int64 `json:"eventAt,omitempty"`

	// text/thought
	Text string `json:"text,omitempty"`

	// plan
	Plan []protocol.PlanEntry `json:"plan,omitempty"`

	// tool_call
	ToolCall *tools.Intent `json:"toolCall,omitempty"`

	// stop
	StopReason protocol.StopReason `json:"stopReason,omitempty"`
}

// NewTextEvent creates a text event.
func NewTextEvent(text string) Event {
	return Event{Type: EventText, EventAt: time.Now().UnixNano(), Text: text}
}

// NewThoughtEvent creates a thought event.
func NewThoughtEvent(text string) Event {
	return Event{Type: EventThought, EventAt: time.Now().UnixNano(), Text: text}
}

// NewPlanEvent creates a plan event.
func NewPlanEvent(entries []protocol.PlanEntry) Event {
	return Event{Type: EventPlan, EventAt: time.Now().UnixNano(), Plan: entries}
}

// NewToolCallEvent creates a tool call intent.
func NewToolCallEvent(intent tools.Intent) Event {
	return Event{Type: EventToolCall, EventAt: time.Now().UnixNano(), ToolCall: &intent}
}

// NewStopEvent ends the turn with an explicit stop reason.
func NewStopEvent(reason protocol.StopReason) Event {
	return Event{Type: EventStop, EventAt: time.Now().UnixNano(), StopReason: reason}
}

package protocol

import "encoding/json"

// Session update kinds carried by session/update notifications.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionNotification is the params object of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a flattened union of every update kind. The
// SessionUpdate field selects which other fields are meaningful.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// message and thought chunks
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call and tool_call_update
	ToolCallID   string             `json:"toolCallId,omitempty"`
	Title        string             `json:"title,omitempty"`
	Kind         ToolKind           `json:"kind,omitempty"`
	Status       ToolCallStatus     `json:"status,omitempty"`
	ToolContent  []ToolCallContent  `json:"-"`
	Locations    []ToolCallLocation `json:"locations,omitempty"`
	RawInput     json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput    json.RawMessage    `json:"rawOutput,omitempty"`
	PlanEntries  []PlanEntry        `json:"entries,omitempty"`
}

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// Tool call updates reuse the "content" key with a list instead of a
// single block, so the union needs custom (un)marshalling.
type sessionUpdateWire struct {
	SessionUpdate string             `json:"sessionUpdate"`
	Content       json.RawMessage    `json:"content,omitempty"`
	ToolCallID    string             `json:"toolCallId,omitempty"`
	Title         string             `json:"title,omitempty"`
	Kind          ToolKind           `json:"kind,omitempty"`
	Status        ToolCallStatus     `json:"status,omitempty"`
	Locations     []ToolCallLocation `json:"locations,omitempty"`
	RawInput      json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage    `json:"rawOutput,omitempty"`
	Entries       []PlanEntry        `json:"entries,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	w := sessionUpdateWire{
		SessionUpdate: u.SessionUpdate,
		ToolCallID:    u.ToolCallID,
		Title:         u.Title,
		Kind:          u.Kind,
		Status:        u.Status,
		Locations:     u.Locations,
		RawInput:      u.RawInput,
		RawOutput:     u.RawOutput,
		Entries:       u.PlanEntries,
	}
	var err error
	switch {
	case u.Content != nil:
		w.Content, err = json.Marshal(u.Content)
	case len(u.ToolContent) > 0:
		w.Content, err = json.Marshal(u.ToolContent)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var w sessionUpdateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = SessionUpdate{
		SessionUpdate: w.SessionUpdate,
		ToolCallID:    w.ToolCallID,
		Title:         w.Title,
		Kind:          w.Kind,
		Status:        w.Status,
		Locations:     w.Locations,
		RawInput:      w.RawInput,
		RawOutput:     w.RawOutput,
		PlanEntries:   w.Entries,
	}
	if len(w.Content) == 0 {
		return nil
	}
	switch u.SessionUpdate {
	case UpdateToolCall, UpdateToolCallUpdate:
		return json.Unmarshal(w.Content, &u.ToolContent)
	default:
		var block ContentBlock
		if err := json.Unmarshal(w.Content, &block); err != nil {
			return err
		}
		u.Content = &block
		return nil
	}
}

// UserMessageChunk replays one block of a user prompt.
func UserMessageChunk(block ContentBlock) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdateUserMessageChunk, Content: &block}
}

// AgentMessageChunk streams agent output text.
func AgentMessageChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentMessageChunk, Content: &block}
}

// AgentThoughtChunk streams agent reasoning text.
func AgentThoughtChunk(text string) SessionUpdate {
	block := TextBlock(text)
	return SessionUpdate{SessionUpdate: UpdateAgentThoughtChunk, Content: &block}
}

// Plan replaces the client's view of the agent plan.
func Plan(entries []PlanEntry) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdatePlan, PlanEntries: entries}
}

// ToolCallStarted announces a new tool call.
func ToolCallStarted(id, title string, kind ToolKind, rawInput json.RawMessage, locations []ToolCallLocation) SessionUpdate {
	return SessionUpdate{
		SessionUpdate: UpdateToolCall,
		ToolCallID:    id,
		Title:         title,
		Kind:          kind,
		Status:        ToolStatusPending,
		RawInput:      rawInput,
		Locations:     locations,
	}
}

// ToolCallProgress reports a status change of an existing tool call.
func ToolCallProgress(id string, status ToolCallStatus) SessionUpdate {
	return SessionUpdate{SessionUpdate: UpdateToolCallUpdate, ToolCallID: id, Status: status}
}

// ToolCallFinished reports the final status, output text and raw output of
// a tool call.
func ToolCallFinished(id string, status ToolCallStatus, text string, rawOutput json.RawMessage) SessionUpdate {
	u := SessionUpdate{
		SessionUpdate: UpdateToolCallUpdate,
		ToolCallID:    id,
		Status:        status,
		RawOutput:     rawOutput,
	}
	if text != "" {
		u.ToolContent = TextToolContent(text)
	}
	return u
}

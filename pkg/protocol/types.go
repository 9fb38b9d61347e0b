package protocol

import "encoding/json"

// Version is the latest ACP protocol version this agent speaks.
// ACP versions are integers, not semver.
const Version = 1

// MinVersion is the oldest protocol version this agent accepts.
const MinVersion = 1

// JSON-RPC method names of the Agent Client Protocol.
const (
	MethodInitialize        = "initialize"
	MethodAuthenticate      = "authenticate"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"

	// Extension methods. ACP reserves the leading underscore for them.
	MethodSessionList      = "_session/list"
	MethodSessionTerminate = "_session/terminate"
	MethodSessionDelete    = "_session/delete"
)

// Implementation identifies a client or an agent.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// --- initialize / authenticate ---

// InitializeParams is sent by the client to begin the handshake.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
}

// ClientCapabilities declares which client-side operations are available.
type ClientCapabilities struct {
	FS       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal,omitempty"`
}

// FileSystemCapability declares the client's file primitives.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResult is the agent's answer to initialize.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// AgentCapabilities declares what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	MCPCapabilities    MCPCapabilities    `json:"mcpCapabilities"`
}

// PromptCapabilities declares which content block types prompts may carry.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// MCPCapabilities declares which MCP transports the agent can connect to.
type MCPCapabilities struct {
	HTTP bool `json:"http"`
	SSE  bool `json:"sse"`
}

// AuthMethod describes an authentication method offered by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AuthenticateParams selects one of the advertised auth methods.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// Capabilities is the negotiated capability set for one connection.
// A capability missing from either side is false.
type Capabilities struct {
	ProtocolVersion int  `json:"protocolVersion"`
	LoadSession     bool `json:"loadSession"`
	EmbeddedContext bool `json:"embeddedContext"`
	ReadTextFile    bool `json:"readTextFile"`
	WriteTextFile   bool `json:"writeTextFile"`
	ToolExecution   bool `json:"toolExecution"`
}

// --- sessions ---

// MCPServer is an MCP server configuration passed by the client. Stdio
// servers set Command; http and sse servers set Type and URL.
type MCPServer struct {
	Name    string        `json:"name"`
	Type    string        `json:"type,omitempty"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Env     []EnvVariable `json:"env,omitempty"`
	URL     string        `json:"url,omitempty"`
	Headers []HTTPHeader  `json:"headers,omitempty"`
}

// MCP server transport types.
const (
	MCPTransportStdio = "stdio"
	MCPTransportHTTP  = "http"
	MCPTransportSSE   = "sse"
)

// Transport returns the effective transport of the server configuration.
func (s MCPServer) Transport() string {
	if s.Type == "" {
		return MCPTransportStdio
	}
	return s.Type
}

// EnvVariable is one environment variable for a stdio MCP server.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPHeader is one header for an http or sse MCP server.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewSessionParams creates a session.
type NewSessionParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult is the answer to session/new.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams resumes a persisted session. CWD and MCPServers, when
// given, replace the persisted values.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	CWD        string      `json:"cwd,omitempty"`
	MCPServers []MCPServer `json:"mcpServers,omitempty"`
}

// SessionIDParams carries only a session id (cancel, terminate).
type SessionIDParams struct {
	SessionID string `json:"sessionId"`
}

// --- prompt ---

// PromptParams sends user content to a session.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult ends a prompt turn.
type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

// StopReason tells the client why a turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// Content block types.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResourceLink = "resource_link"
	ContentResource     = "resource"
)

// ContentBlock is one element of a prompt or of a message chunk.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Name     string            `json:"name,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is the payload of a "resource" content block.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// --- tool calls and permissions ---

// ToolKind categorizes a tool call for client display and policy.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

// Mutating reports whether calls of this kind write or execute.
func (k ToolKind) Mutating() bool {
	switch k {
	case ToolKindEdit, ToolKindDelete, ToolKindMove, ToolKindExecute:
		return true
	}
	return false
}

// ToolCallStatus is the wire status of a tool call.
type ToolCallStatus string

const (
	ToolStatusPending    ToolCallStatus = "pending"
	ToolStatusInProgress ToolCallStatus = "in_progress"
	ToolStatusCompleted  ToolCallStatus = "completed"
	ToolStatusFailed     ToolCallStatus = "failed"
)

// ToolCallContent is one content item attached to a tool call.
type ToolCallContent struct {
	Type    string       `json:"type"`
	Content ContentBlock `json:"content"`
}

// TextToolContent wraps text as tool call content.
func TextToolContent(text string) []ToolCallContent {
	return []ToolCallContent{{Type: "content", Content: TextBlock(text)}}
}

// ToolCallLocation is a file touched by a tool call.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallUpdate describes a tool call inside a permission request.
type ToolCallUpdate struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title,omitempty"`
	Kind       ToolKind           `json:"kind,omitempty"`
	Status     ToolCallStatus     `json:"status,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// DefaultPermissionOptions are offered for every permission request. The
// option ids equal their kinds.
func DefaultPermissionOptions() []PermissionOption {
	return []PermissionOption{
		{OptionID: PermissionAllowOnce, Name: "Allow", Kind: PermissionAllowOnce},
		{OptionID: PermissionAllowAlways, Name: "Always allow", Kind: PermissionAllowAlways},
		{OptionID: PermissionRejectOnce, Name: "Reject", Kind: PermissionRejectOnce},
		{OptionID: PermissionRejectAlways, Name: "Always reject", Kind: PermissionRejectAlways},
	}
}

// RequestPermissionParams asks the client to authorize a tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallUpdate     `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// RequestPermissionResult is the client's decision.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the selected option, or a cancellation.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// --- client file system ---

// ReadTextFileParams asks the client for a file's content.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult carries the file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams asks the client to write a file.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

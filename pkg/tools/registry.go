package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// Tool is an action the model engine may request.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the arguments.
	Parameters() map[string]any
	Kind() protocol.ToolKind
	// Title is the human-readable description shown to the user.
	Title(args map[string]any) string
	// Paths returns the filesystem paths the call would touch, as given
	// in the arguments.
	Paths(args map[string]any) []string
	Execute(ctx context.Context, call Call) (Result, error)
}

// Preemptible is implemented by tools that stop promptly when the turn
// is cancelled. Other tools run to completion, bounded by the tool timeout.
type Preemptible interface {
	Preemptible() bool
}

// Requirer is implemented by tools that depend on negotiated capabilities.
type Requirer interface {
	Requires(caps protocol.Capabilities) error
}

// FileSystem is the client's file access, reached over the connection.
type FileSystem interface {
	ReadTextFile(ctx context.Context, params protocol.ReadTextFileParams) (string, error)
	WriteTextFile(ctx context.Context, params protocol.WriteTextFileParams) error
}

// Call is one invocation of a tool.
type Call struct {
	SessionID string
	CWD       string
	Args      map[string]any
	FS        FileSystem
}

// Path resolves a path argument against the working directory, following
// symlinks as far as the path exists.
func (c Call) Path(p string) string {
	if p == "" {
		p = "."
	}
	resolved, _, err := Resolve(c.CWD, p)
	if err != nil {
		return joinPath(c.CWD, p)
	}
	return resolved
}

// Confined resolves a path argument like Path and fails with
// ErrPermissionDenied when the result is outside the working directory.
func (c Call) Confined(p string) (string, error) {
	if p == "" {
		p = "."
	}
	resolved, err := Confine(c.CWD, p)
	if err != nil {
		return "", fmt.Errorf("%w: %s is outside %s", ErrPermissionDenied, p, c.CWD)
	}
	return resolved, nil
}

// Result is what a tool produced. It is also the rawOutput reported to
// the client.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// Failed reports whether the result carries an error or a nonzero exit.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.Error != ""
}

// Provider supplies tools scoped to one session, such as the tools of the
// session's MCP servers.
type Provider interface {
	SessionTools(ctx context.Context, sessionID string) ([]Tool, error)
}

// Spec describes a tool to the model engine.
type Spec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Kind        protocol.ToolKind `json:"kind"`
	Parameters  map[string]any    `json:"parameters"`
}

// SpecOf returns the engine-facing description of a tool.
func SpecOf(t Tool) Spec {
	return Spec{Name: t.Name(), Description: t.Description(), Kind: t.Kind(), Parameters: t.Parameters()}
}

// Registry manages tool registration and lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// NewDefaultRegistry registers the built-in tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewBashTool())
	r.Register(NewListDirectoryTool())
	r.Register(NewGrepTool())
	r.Register(NewReadTool())
	r.Register(NewWriteTool())
	r.Register(NewEditTool())
	return r
}

// Register registers a tool.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

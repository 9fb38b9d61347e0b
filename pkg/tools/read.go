package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// ReadTool reads text files through the client, so unsaved editor buffers
// are seen.
type ReadTool struct {
	limits OutputLimits
}

// NewReadTool creates a new read_file tool.
func NewReadTool() *ReadTool {
	return &ReadTool{limits: DefaultOutputLimits()}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "read_file"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read the contents of a text file, optionally starting at a line and limited to a number of lines."
}

// Parameters returns the JSON Schema for the tool parameters.
func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read (relative or absolute)",
			},
			"line": map[string]any{
				"type":        "integer",
				"description": "1-based line to start at",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Kind() protocol.ToolKind { return protocol.ToolKindRead }

func (t *ReadTool) Title(args map[string]any) string {
	return "Read " + stringArg(args, "path")
}

func (t *ReadTool) Paths(args map[string]any) []string {
	return []string{stringArg(args, "path")}
}

func (t *ReadTool) Preemptible() bool { return true }

func (t *ReadTool) Requires(caps protocol.Capabilities) error {
	if !caps.ReadTextFile {
		return errors.New("client does not support fs/read_text_file")
	}
	return nil
}

// Execute asks the client for the file content.
func (t *ReadTool) Execute(ctx context.Context, call Call) (Result, error) {
	path := stringArg(call.Args, "path")
	if path == "" {
		return Result{}, errors.New("path is required")
	}
	if call.FS == nil {
		return Result{}, errors.New("no client file system")
	}
	params := protocol.ReadTextFileParams{SessionID: call.SessionID, Path: call.Path(path)}
	if line, ok := intArg(call.Args, "line"); ok && line > 0 {
		params.Line = &line
	}
	if limit, ok := intArg(call.Args, "limit"); ok && limit > 0 {
		params.Limit = &limit
	}
	content, err := call.FS.ReadTextFile(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", params.Path, err)
	}
	return Result{Output: t.limits.Truncate(content)}, nil
}

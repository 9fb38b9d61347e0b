package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// WriteTool writes files through the client.
type WriteTool struct{}

// NewWriteTool creates a new write_file tool.
func NewWriteTool() *WriteTool {
	return &WriteTool{}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "write_file"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Write content to a file, creating it if needed and replacing what was there."
}

// Parameters returns the JSON Schema for the tool parameters.
func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write (relative or absolute)",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Kind() protocol.ToolKind { return protocol.ToolKindEdit }

func (t *WriteTool) Title(args map[string]any) string {
	return "Write " + stringArg(args, "path")
}

func (t *WriteTool) Paths(args map[string]any) []string {
	return []string{stringArg(args, "path")}
}

func (t *WriteTool) Requires(caps protocol.Capabilities) error {
	if !caps.WriteTextFile {
		return errors.New("client does not support fs/write_text_file")
	}
	return nil
}

// Execute writes the content.
func (t *WriteTool) Execute(ctx context.Context, call Call) (Result, error) {
	path := stringArg(call.Args, "path")
	content, ok := call.Args["content"].(string)
	if path == "" || !ok {
		return Result{}, errors.New("path and content are required")
	}
	if call.FS == nil {
		return Result{}, errors.New("no client file system")
	}
	target, err := call.Confined(path)
	if err != nil {
		return Result{}, err
	}
	err = call.FS.WriteTextFile(ctx, protocol.WriteTextFileParams{
		SessionID: call.SessionID,
		Path:      target,
		Content:   content,
	})
	if err != nil {
		return Result{}, fmt.Errorf("write %s: %w", target, err)
	}
	return Result{Output: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path)}, nil
}

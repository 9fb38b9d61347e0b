package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// EditTool edits a file by replacing old text with new text. The file is
// read and written through the client.
type EditTool struct{}

// NewEditTool creates a new edit_file tool.
func NewEditTool() *EditTool {
	return &EditTool{}
}

// Name returns the tool name.
func (t *EditTool) Name() string {
	return "edit_file"
}

// Description returns the tool description.
func (t *EditTool) Description() string {
	return "Edit a file by replacing text. oldText must occur exactly once."
}

// Parameters returns the tool parameters.
func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit (relative or absolute)",
			},
			"oldText": map[string]any{
				"type":        "string",
				"description": "Text to search for and replace",
			},
			"newText": map[string]any{
				"type":        "string",
				"description": "New text to replace the old text with",
			},
		},
		"required": []string{"path", "oldText", "newText"},
	}
}

func (t *EditTool) Kind() protocol.ToolKind { return protocol.ToolKindEdit }

func (t *EditTool) Title(args map[string]any) string {
	return "Edit " + stringArg(args, "path")
}

func (t *EditTool) Paths(args map[string]any) []string {
	return []string{stringArg(args, "path")}
}

func (t *EditTool) Requires(caps protocol.Capabilities) error {
	if !caps.ReadTextFile || !caps.WriteTextFile {
		return errors.New("client does not support fs/read_text_file and fs/write_text_file")
	}
	return nil
}

// Execute executes the Edit tool.
func (t *EditTool) Execute(ctx context.Context, call Call) (Result, error) {
	path := stringArg(call.Args, "path")
	oldText, ok1 := call.Args["oldText"].(string)
	newText, ok2 := call.Args["newText"].(string)
	if path == "" || !ok1 || !ok2 {
		return Result{}, errors.New("path, oldText and newText are required")
	}
	if oldText == "" {
		return Result{}, errors.New("oldText is empty")
	}
	if call.FS == nil {
		return Result{}, errors.New("no client file system")
	}

	target, err := call.Confined(path)
	if err != nil {
		return Result{}, err
	}
	content, err := call.FS.ReadTextFile(ctx, protocol.ReadTextFileParams{SessionID: call.SessionID, Path: target})
	if err != nil {
		return Result{}, fmt.Errorf("failed to read file: %w", err)
	}

	switch n := strings.Count(content, oldText); n {
	case 0:
		return Result{}, fmt.Errorf("oldText not found in %s", path)
	case 1:
	default:
		return Result{}, fmt.Errorf("oldText occurs %d times in %s; include more context", n, path)
	}
	start := strings.Index(content, oldText)
	edited := content[:start] + newText + content[start+len(oldText):]

	err = call.FS.WriteTextFile(ctx, protocol.WriteTextFileParams{SessionID: call.SessionID, Path: target, Content: edited})
	if err != nil {
		return Result{}, fmt.Errorf("failed to write file: %w", err)
	}
	return Result{Output: fmt.Sprintf("Edited %s\n\nDiff:\n%s", path, hunk(content, start, oldText, newText))}, nil
}

// hunk renders the replaced lines as a minimal unified diff hunk.
func hunk(content string, start int, oldText, newText string) string {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	line := strings.Count(content[:start], "\n") + 1

	var sb strings.Builder
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", line, len(oldLines), line, len(newLines))
	for _, l := range oldLines {
		sb.WriteString("-" + l + "\n")
	}
	for _, l := range newLines {
		sb.WriteString("+" + l + "\n")
	}
	return sb.String()
}

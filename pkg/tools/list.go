package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// ListDirectoryTool lists the entries of a local directory.
type ListDirectoryTool struct{}

// NewListDirectoryTool creates a new list_directory tool.
func NewListDirectoryTool() *ListDirectoryTool {
	return &ListDirectoryTool{}
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Description() string {
	return "List the files in a directory. Directories end with a slash."
}

func (t *ListDirectoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: working directory)",
			},
		},
	}
}

func (t *ListDirectoryTool) Kind() protocol.ToolKind { return protocol.ToolKindRead }

func (t *ListDirectoryTool) Title(args map[string]any) string {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	return "List " + p
}

func (t *ListDirectoryTool) Paths(args map[string]any) []string {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	return []string{p}
}

// Execute lists the directory in name order.
func (t *ListDirectoryTool) Execute(ctx context.Context, call Call) (Result, error) {
	dir := call.Path(stringArg(call.Args, "path"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Result{Output: strings.Join(names, "\n")}, nil
}

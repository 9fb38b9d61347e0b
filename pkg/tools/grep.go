package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// GrepTool searches for patterns in files using ripgrep or grep.
type GrepTool struct {
	limits OutputLimits
	// rg reports whether ripgrep is on PATH.
	rg bool
}

// NewGrepTool creates a new Grep tool.
func NewGrepTool() *GrepTool {
	_, err := exec.LookPath("rg")
	return &GrepTool{limits: DefaultOutputLimits(), rg: err == nil}
}

// Name returns the tool name.
func (t *GrepTool) Name() string {
	return "grep"
}

// Description returns the tool description.
func (t *GrepTool) Description() string {
	return "Search file contents for patterns (respects .gitignore). Uses ripgrep if available, falls back to grep."
}

// Parameters returns the JSON Schema for the tool parameters.
func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Search pattern (regular expression)",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Path to search in (default: working directory)",
			},
			"filePattern": map[string]any{
				"type":        "string",
				"description": "File pattern to filter (e.g., '*.go')",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Kind() protocol.ToolKind { return protocol.ToolKindSearch }

func (t *GrepTool) Title(args map[string]any) string {
	return fmt.Sprintf("Search %q", truncate(stringArg(args, "pattern"), 60))
}

func (t *GrepTool) Paths(args map[string]any) []string {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	return []string{p}
}

func (t *GrepTool) Preemptible() bool { return true }

// Execute executes the search. No match is not an error.
func (t *GrepTool) Execute(ctx context.Context, call Call) (Result, error) {
	pattern := stringArg(call.Args, "pattern")
	if pattern == "" {
		return Result{}, errors.New("pattern is required")
	}
	searchPath := call.Path(stringArg(call.Args, "path"))
	filePattern := stringArg(call.Args, "filePattern")

	var cmd *exec.Cmd
	if t.rg {
		args := []string{"--no-heading", "--line-number", "--color=never"}
		if filePattern != "" {
			args = append(args, "--glob", filePattern)
		}
		cmd = exec.CommandContext(ctx, "rg", append(args, "-e", pattern, searchPath)...)
	} else {
		args := []string{"-rn"}
		if filePattern != "" {
			args = append(args, "--include", filePattern)
		}
		cmd = exec.CommandContext(ctx, "grep", append(args, "-e", pattern, searchPath)...)
	}
	cmd.Dir = call.CWD

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return Result{ExitCode: -1}, ctx.Err()
	}
	if err != nil {
		// Both tools exit 1 when nothing matched.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(output) == 0 {
			return Result{Output: "No matches found"}, nil
		}
		return Result{Output: string(output)}, fmt.Errorf("grep failed: %w", err)
	}

	result := strings.TrimSpace(string(output))
	if result == "" {
		result = "No matches found"
	}
	return Result{Output: t.limits.Truncate(result)}, nil
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tiancaiamao/acp/pkg/protocol"
)

// BashTool runs shell commands in the session working directory.
type BashTool struct {
	limits OutputLimits
}

// NewBashTool creates a new Bash tool.
func NewBashTool() *BashTool {
	return &BashTool{limits: DefaultOutputLimits()}
}

// Name returns the tool name.
func (t *BashTool) Name() string {
	return "bash"
}

// Description returns the tool description.
func (t *BashTool) Description() string {
	return "Execute a shell command in the working directory, or in cwd when given."
}

// Parameters returns the JSON Schema for the tool parameters.
func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command to execute with /bin/sh -c",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Directory to run in, inside the working directory",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Kind() protocol.ToolKind { return protocol.ToolKindExecute }

func (t *BashTool) Title(args map[string]any) string {
	return "Run: " + truncate(stringArg(args, "command"), 80)
}

func (t *BashTool) Paths(args map[string]any) []string {
	if dir := stringArg(args, "cwd"); dir != "" {
		return []string{dir}
	}
	return nil
}

func (t *BashTool) Preemptible() bool { return true }

func (t *BashTool) Requires(caps protocol.Capabilities) error {
	if !caps.ToolExecution {
		return errors.New("tool execution is disabled")
	}
	return nil
}

// Execute runs the command. A nonzero exit is reported in the result, not
// as an error.
func (t *BashTool) Execute(ctx context.Context, call Call) (Result, error) {
	command := stringArg(call.Args, "command")
	if command == "" {
		return Result{}, errors.New("command is required")
	}

	dir, err := call.Confined(stringArg(call.Args, "cwd"))
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	result := Result{Output: t.limits.Truncate(strings.TrimRight(string(output), "\n"))}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		result.Error = fmt.Sprintf("command exited with code %d", result.ExitCode)
	}
	return result, nil
}

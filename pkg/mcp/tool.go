package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/tools"
)

// ToolPrefix starts the name of every MCP-routed tool.
const ToolPrefix = "mcp__"

// pathKeys are argument keys treated as filesystem paths for confinement.
var pathKeys = []string{"path", "file", "filePath", "cwd", "directory"}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ToolName returns the routed name of a server's tool.
func ToolName(server, tool string) string {
	return ToolPrefix + unsafeName.ReplaceAllString(server, "_") + "__" + tool
}

// Tool is one tool of a connected MCP server.
type Tool struct {
	server string
	tool   mcp.Tool
	client *client.Client
	schema map[string]any
}

func newTool(server string, t mcp.Tool, c *client.Client) *Tool {
	return &Tool{server: server, tool: t, client: c, schema: inputSchema(t)}
}

// inputSchema extracts the JSON Schema the tool advertised, whichever form
// the server used.
func inputSchema(t mcp.Tool) map[string]any {
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	data, err := json.Marshal(t)
	if err == nil {
		_ = json.Unmarshal(data, &wire)
	}
	if wire.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return wire.InputSchema
}

func (t *Tool) Name() string                { return ToolName(t.server, t.tool.Name) }
func (t *Tool) Description() string         { return t.tool.Description }
func (t *Tool) Parameters() map[string]any  { return t.schema }
func (t *Tool) Kind() protocol.ToolKind     { return protocol.ToolKindOther }
func (t *Tool) Title(map[string]any) string { return t.server + ": " + t.tool.Name }

// Paths returns the string values of path-like arguments.
func (t *Tool) Paths(args map[string]any) []string {
	var out []string
	for _, k := range pathKeys {
		if v, ok := args[k].(string); ok && strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// Execute forwards the call as tools/call. A tool-level error is reported
// in the result.
func (t *Tool) Execute(ctx context.Context, call tools.Call) (tools.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = call.Args
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.Result{}, fmt.Errorf("mcp %s/%s: %w", t.server, t.tool.Name, err)
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
			continue
		}
		data, err := json.Marshal(content)
		if err == nil {
			parts = append(parts, string(data))
		}
	}
	result := tools.Result{Output: strings.Join(parts, "\n")}
	if res.IsError {
		result.ExitCode = 1
		result.Error = "tool reported an error"
	}
	return result, nil
}

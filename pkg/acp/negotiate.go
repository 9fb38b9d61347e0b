package acp

import (
	"github.com/tiancaiamao/acp/pkg/config"
	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/rpc"
)

// negotiateVersion picks the protocol version for a client offering
// requested. Clients newer than this agent get the latest version it
// speaks; older ones are refused.
func negotiateVersion(requested int) (int, error) {
	if requested < protocol.MinVersion {
		supported := make([]int, 0, protocol.Version-protocol.MinVersion+1)
		for v := protocol.MinVersion; v <= protocol.Version; v++ {
			supported = append(supported, v)
		}
		return 0, rpc.NewError(rpc.CodeVersionMismatch, "unsupported protocol version", map[string]any{
			"supported": supported,
			"requested": requested,
		})
	}
	return min(requested, protocol.Version), nil
}

// negotiateCapabilities intersects the agent configuration with what the
// client declared. Anything not declared by both sides is off.
func negotiateCapabilities(version int, agentCaps config.CapabilitiesConfig, client protocol.ClientCapabilities) protocol.Capabilities {
	return protocol.Capabilities{
		ProtocolVersion: version,
		LoadSession:     agentCaps.LoadSession,
		EmbeddedContext: agentCaps.EmbeddedContext,
		ReadTextFile:    client.FS.ReadTextFile,
		WriteTextFile:   client.FS.WriteTextFile,
		ToolExecution:   agentCaps.ToolExecution,
	}
}

func (a *Agent) advertised() protocol.AgentCapabilities {
	return protocol.AgentCapabilities{
		LoadSession: a.cfg.Capabilities.LoadSession,
		PromptCapabilities: protocol.PromptCapabilities{
			EmbeddedContext: a.cfg.Capabilities.EmbeddedContext,
		},
		MCPCapabilities: protocol.MCPCapabilities{HTTP: true, SSE: true},
	}
}

func (a *Agent) authMethods() []protocol.AuthMethod {
	methods := make([]protocol.AuthMethod, 0, len(a.cfg.Auth.Methods))
	for _, m := range a.cfg.Auth.Methods {
		methods = append(methods, protocol.AuthMethod{ID: m.ID, Name: m.Name, Description: m.Description})
	}
	return methods
}

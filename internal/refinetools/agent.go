package refinetools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avela/refinery/internal/memory"
)

// RegisterAgentTool handles the agent_register MCP tool.
type RegisterAgentTool struct {
	store *memory.Store
}

// NewRegisterAgentTool creates a RegisterAgentTool.
func NewRegisterAgentTool(store *memory.Store) *RegisterAgentTool {
	return &RegisterAgentTool{store: store}
}

// Definition returns the MCP tool definition for agent_register.
func (t *RegisterAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("agent_register",
		mcp.WithDescription(
			"Register an agent so it can own memories and run refinement sessions.",
		),
		mcp.WithString("account_id",
			mcp.Required(),
			mcp.Description("Owning account"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Agent display name"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Retention threshold in (0, 1]; defaults to the configured value"),
		),
	)
}

// Handle processes the agent_register tool call.
func (t *RegisterAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID := req.GetString("account_id", "")
	name := req.GetString("name", "")
	if accountID == "" {
		return mcp.NewToolResultError("'account_id' is required"), nil
	}
	if name == "" {
		return mcp.NewToolResultError("'name' is required"), nil
	}
	threshold := floatArg(req, "threshold", 0)

	agent, err := t.store.CreateAgent(accountID, name, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register agent: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"type":      "agent_registered",
		"id":        agent.ID,
		"name":      agent.Name,
		"threshold": agent.RefinementThreshold,
	})
}

// ─── TuneAgentTool ──────────────────────────────────────────────────────────

// TuneAgentTool handles the agent_tune MCP tool.
type TuneAgentTool struct {
	store *memory.Store
}

// NewTuneAgentTool creates a TuneAgentTool.
func NewTuneAgentTool(store *memory.Store) *TuneAgentTool {
	return &TuneAgentTool{store: store}
}

// Definition returns the MCP tool definition for agent_tune.
func (t *TuneAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("agent_tune",
		mcp.WithDescription(
			"Adjust an agent's retention threshold. A lower threshold lets refinement "+
				"sessions destroy more core memory before the rollback trips.",
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent to adjust"),
		),
		mcp.WithNumber("threshold",
			mcp.Required(),
			mcp.Description("New retention threshold in (0, 1]"),
		),
	)
}

// Handle processes the agent_tune tool call.
func (t *TuneAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}
	threshold := floatArg(req, "threshold", 0)

	if err := t.store.SetAgentThreshold(agentID, threshold); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set threshold: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %s threshold set to %v", agentID, threshold)), nil
}

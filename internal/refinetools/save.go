package refinetools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avela/refinery/internal/memory"
)

// SaveTool handles the memory_save MCP tool.
type SaveTool struct {
	store *memory.Store
}

// NewSaveTool creates a SaveTool with the given memory store.
func NewSaveTool(store *memory.Store) *SaveTool {
	return &SaveTool{store: store}
}

// Definition returns the MCP tool definition for memory_save.
func (t *SaveTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_save",
		mcp.WithDescription(
			"Save a memory for an agent. Journal memories expire after the retention "+
				"window; core memories are permanent identity memory and count toward "+
				"refinement mass.",
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Owning agent"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Memory content"),
		),
		mcp.WithString("kind",
			mcp.Description("journal (default) or core"),
		),
		mcp.WithBoolean("constitutional",
			mcp.Description("Mark the memory undeletable (core only)"),
		),
	)
}

// Handle processes the memory_save tool call.
func (t *SaveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	content := req.GetString("content", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	kind := memory.Kind(req.GetString("kind", string(memory.KindJournal)))
	if kind != memory.KindJournal && kind != memory.KindCore {
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q: want journal or core", kind)), nil
	}
	constitutional := boolArg(req, "constitutional", false)
	if constitutional && kind != memory.KindCore {
		return mcp.NewToolResultError("only core memories can be constitutional"), nil
	}

	agent, err := t.store.GetAgent(agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save memory: %v", err)), nil
	}

	m, err := t.store.CreateMemory(memory.CreateMemoryParams{
		AgentID:        agent.ID,
		AccountID:      agent.AccountID,
		Content:        content,
		Kind:           kind,
		Constitutional: constitutional,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save memory: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"type":   "memory_saved",
		"id":     m.ID,
		"kind":   m.Kind,
		"tokens": memory.TokenEstimate(m.Content),
	})
}

package refinetools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avela/refinery/internal/memory"
)

// SearchTool handles the memory_search MCP tool.
type SearchTool struct {
	store *memory.Store
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(store *memory.Store) *SearchTool {
	return &SearchTool{store: store}
}

// Definition returns the MCP tool definition for memory_search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_search",
		mcp.WithDescription(
			"Search an agent's live core memories by case-insensitive substring, "+
				"oldest first.",
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent whose memory to search"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Substring to match against memory content"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results"),
		),
	)
}

// Handle processes the memory_search tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	query := req.GetString("query", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	limit := intArg(req, "limit", 0)

	mems, err := t.store.SearchCore(agentID, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	results := make([]memory.LedgerEntry, 0, len(mems))
	for _, m := range mems {
		results = append(results, memory.Ledger(m))
	}
	return jsonResult(map[string]any{
		"type":    "search_results",
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// ─── StatsTool ──────────────────────────────────────────────────────────────

// StatsTool handles the memory_stats MCP tool.
type StatsTool struct {
	store *memory.Store
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(store *memory.Store) *StatsTool {
	return &StatsTool{store: store}
}

// Definition returns the MCP tool definition for memory_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("memory_stats",
		mcp.WithDescription(
			"Aggregate memory statistics for an agent: live counts per kind, "+
				"constitutional and discarded counts, and total core mass in tokens.",
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent to report on"),
		),
	)
}

// Handle processes the memory_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}

	st, err := t.store.Stats(agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(st)
}

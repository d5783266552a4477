package refinetools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avela/refinery/internal/memory"
	"github.com/avela/refinery/internal/refine"
)

// BeginTool handles the refine_begin MCP tool.
type BeginTool struct {
	store    *memory.Store
	registry *SessionRegistry
}

// NewBeginTool creates a BeginTool.
func NewBeginTool(store *memory.Store, registry *SessionRegistry) *BeginTool {
	return &BeginTool{store: store, registry: registry}
}

// Definition returns the MCP tool definition for refine_begin.
func (t *BeginTool) Definition() mcp.Tool {
	return mcp.NewTool("refine_begin",
		mcp.WithDescription(
			"Open a refinement session for an agent's core memory. The session records "+
				"the current core mass as the rollback baseline; finish with refine_act "+
				"action=complete.",
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent whose core memory will be refined"),
		),
	)
}

// Handle processes the refine_begin tool call.
func (t *BeginTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}

	agent, err := t.store.GetAgent(agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open session: %v", err)), nil
	}
	mass, err := t.store.CoreMass(agent.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open session: %v", err)), nil
	}

	sess := refine.NewSession(agent.ID, mass)
	if err := t.registry.Begin(sess); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]any{
		"type":             "session_started",
		"session_id":       sess.ID,
		"agent_id":         agent.ID,
		"pre_session_mass": mass,
		"threshold":        agent.RefinementThreshold,
		"allowed_actions":  refine.AllowedActions,
	})
}

// ─── ActTool ────────────────────────────────────────────────────────────────

// ActTool handles the refine_act MCP tool.
type ActTool struct {
	controller *refine.Controller
	registry   *SessionRegistry
}

// NewActTool creates an ActTool.
func NewActTool(controller *refine.Controller, registry *SessionRegistry) *ActTool {
	return &ActTool{controller: controller, registry: registry}
}

// Definition returns the MCP tool definition for refine_act.
func (t *ActTool) Definition() mcp.Tool {
	return mcp.NewTool("refine_act",
		mcp.WithDescription(
			"Execute one action inside an open refinement session: search, consolidate, "+
				"update, delete, protect, or complete. Every mutation is audited and the "+
				"whole session is rolled back if complete finds too much memory destroyed.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session id returned by refine_begin"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: search, consolidate, update, delete, protect, complete"),
		),
		mcp.WithString("query",
			mcp.Description("Substring to search for (search)"),
		),
		mcp.WithString("id",
			mcp.Description("Target memory id (update, delete, protect)"),
		),
		mcp.WithString("ids",
			mcp.Description("Comma-separated memory ids to merge (consolidate)"),
		),
		mcp.WithString("content",
			mcp.Description("Replacement or merged content (update, consolidate)"),
		),
		mcp.WithString("summary",
			mcp.Description("Session summary (complete)"),
		),
	)
}

// Handle processes the refine_act tool call.
func (t *ActTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	action := req.GetString("action", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if action == "" {
		return mcp.NewToolResultError("'action' is required"), nil
	}

	sess, ok := t.registry.Get(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no open session %s; call refine_begin first", sessionID)), nil
	}

	result, err := t.controller.Execute(sess, action, refine.Params{
		Query:   req.GetString("query", ""),
		ID:      req.GetString("id", ""),
		IDs:     req.GetString("ids", ""),
		Content: req.GetString("content", ""),
		Summary: req.GetString("summary", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("action failed: %v", err)), nil
	}
	if sess.Done {
		t.registry.Release(sess.ID)
	}
	return jsonResult(result)
}

// Package prompts implements MCP prompt handlers for the refinement engine.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RefinePrompt handles the refine-memory MCP prompt.
// It guides the AI through a full refinement session against one agent.
type RefinePrompt struct{}

// NewRefinePrompt creates a RefinePrompt.
func NewRefinePrompt() *RefinePrompt {
	return &RefinePrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *RefinePrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("refine-memory",
		mcp.WithPromptDescription(
			"Run a memory refinement session for an agent: search for redundant "+
				"or stale core memories, consolidate and prune them, and protect "+
				"the ones that define the agent's identity.",
		),
		mcp.WithArgument("agent_id",
			mcp.ArgumentDescription("Agent whose core memory to refine"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("focus",
			mcp.ArgumentDescription("Optional theme to concentrate on (e.g. 'user preferences')"),
		),
	)
}

// Handle processes the refine-memory prompt request.
func (p *RefinePrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	agentID := ""
	focus := ""
	if args := req.Params.Arguments; args != nil {
		agentID = args["agent_id"]
		focus = args["focus"]
	}

	focusLine := ""
	if focus != "" {
		focusLine = fmt.Sprintf("Concentrate on memories about: %s.\n\n", focus)
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Refine memory for agent %s", agentID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please refine the core memory of agent '%s'.\n\n"+
						"%s"+
						"1. Call `refine_begin` with agent_id='%s' to open a session\n"+
						"2. Use `refine_act` with action='search' to explore the current core memories\n"+
						"3. Consolidate overlapping memories, update stale ones, delete noise, and protect anything identity-defining\n"+
						"4. Finish with action='complete' and a one-line summary of what you changed\n\n"+
						"Work conservatively: if the session destroys too much memory the engine "+
						"will roll every change back.",
					agentID, focusLine, agentID,
				)),
			},
		},
	}, nil
}

// StatusPrompt handles the memory-status MCP prompt.
// It instructs the AI to read and present an agent's memory state.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("memory-status",
		mcp.WithPromptDescription(
			"Check the state of an agent's memory: live counts per kind, "+
				"constitutional memories, and current core mass.",
		),
		mcp.WithArgument("agent_id",
			mcp.ArgumentDescription("Agent to report on"),
			mcp.RequiredArgument(),
		),
	)
}

// Handle processes the memory-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	agentID := ""
	if args := req.Params.Arguments; args != nil {
		agentID = args["agent_id"]
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Memory status for agent %s", agentID),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"Please run `memory_stats` with agent_id='%s'.\n\n"+
						"Then:\n"+
						"1. Present the counts and core mass in a clear format\n"+
						"2. Note whether the core looks bloated (many small overlapping entries)\n"+
						"3. Suggest whether a refinement session is worth running",
					agentID,
				)),
			},
		},
	}, nil
}

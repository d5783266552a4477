// Package resources implements MCP resource handlers for the refinement
// engine.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (refinery://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avela/refinery/internal/memory"
)

// Handler manages refinery resource endpoints.
type Handler struct {
	store *memory.Store
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(store *memory.Store) *Handler {
	return &Handler{store: store}
}

// StatusResource returns the MCP resource definition for store status.
func (h *Handler) StatusResource() mcp.Resource {
	return mcp.NewResource(
		"refinery://store/status",
		"Refinery Store Status",
		mcp.WithResourceDescription("Aggregate counts: agents, live and discarded memories, audit entries"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleStatus returns the current store totals as JSON.
func (h *Handler) HandleStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	overview, err := h.store.StoreOverview()
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}

	data, err := json.MarshalIndent(overview, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling status: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}

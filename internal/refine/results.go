package refine

import "github.com/avela/refinery/internal/memory"

// Result is the structured outcome of one refinement action. Every result
// carries a "type" discriminator so the orchestrator can relay it to the
// agent verbatim.
type Result interface {
	resultType() string
}

// SearchResults is returned by the search action.
type SearchResults struct {
	Type    string               `json:"type"`
	Query   string               `json:"query"`
	Count   int                  `json:"count"`
	Results []memory.LedgerEntry `json:"results"`
}

// Consolidated is returned by the consolidate action.
type Consolidated struct {
	Type        string `json:"type"`
	MergedCount int    `json:"merged_count"`
	NewContent  string `json:"new_content"`
}

// Updated is returned by the update action.
type Updated struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Deleted is returned by the delete action.
type Deleted struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Protected is returned by the protect action.
type Protected struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Content string `json:"content"`
}

// RefinementComplete is returned by a committed complete action.
type RefinementComplete struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Stats   Stats  `json:"stats"`
}

// RefinementRolledBack is returned when complete trips the circuit breaker
// and the session's mutations have been reversed.
type RefinementRolledBack struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Stats   Stats  `json:"stats"`
	Reason  string `json:"reason"`
}

// ErrorResult carries a recoverable domain error back to the caller as data.
type ErrorResult struct {
	Type           string   `json:"type"`
	Error          string   `json:"error"`
	AllowedActions []string `json:"allowed_actions,omitempty"`
}

func (SearchResults) resultType() string        { return "search_results" }
func (Consolidated) resultType() string         { return "consolidated" }
func (Updated) resultType() string              { return "updated" }
func (Deleted) resultType() string              { return "deleted" }
func (Protected) resultType() string            { return "protected" }
func (RefinementComplete) resultType() string   { return "refinement_complete" }
func (RefinementRolledBack) resultType() string { return "refinement_rolled_back" }
func (ErrorResult) resultType() string          { return "error" }

func errorResult(msg string) ErrorResult {
	return ErrorResult{Type: "error", Error: msg}
}

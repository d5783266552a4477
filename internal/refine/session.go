// Package refine drives agent memory refinement sessions. A session is a
// sequence of actions against one agent's core memory, each recorded in the
// audit trail, ending in a complete that either commits or rolls the whole
// session back when too much memory was destroyed.
package refine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avela/refinery/internal/memory"
)

// Stats counts the memories touched by each mutating action over a session.
type Stats struct {
	Consolidated int `json:"consolidated"`
	Updated      int `json:"updated"`
	Deleted      int `json:"deleted"`
	Protected    int `json:"protected"`
}

// Session is the in-progress state of one refinement run. The durable record
// of the session is the audit trail; Session itself only carries the baseline
// mass and running counters.
type Session struct {
	ID             string
	AgentID        string
	PreSessionMass int
	Stats          Stats
	Done           bool
}

// NewSession opens a session for an agent with the given pre-session core
// mass as the circuit breaker baseline.
func NewSession(agentID string, preSessionMass int) *Session {
	return &Session{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		PreSessionMass: preSessionMass,
	}
}

// AllowedActions lists every action Execute understands, in the order they
// are suggested to the agent.
var AllowedActions = []string{"search", "consolidate", "update", "delete", "protect", "complete"}

// Params carries the per-action arguments. Every field is optional at this
// layer; each action validates the fields it needs.
type Params struct {
	Query   string
	ID      string
	IDs     string
	Content string
	Summary string
}

// Controller executes refinement actions against the store.
type Controller struct {
	store *memory.Store
	log   logrus.FieldLogger
}

func NewController(store *memory.Store, log logrus.FieldLogger) *Controller {
	return &Controller{store: store, log: log}
}

// Execute runs one action within a session. Domain failures (unknown action,
// missing params, constitutional violations, not-found) come back as an
// ErrorResult with a nil error; the error return is reserved for storage
// faults.
func (c *Controller) Execute(sess *Session, action string, p Params) (Result, error) {
	if sess.Done {
		return errorResult("session is already finished"), nil
	}
	switch action {
	case "search":
		return c.search(sess, p)
	case "consolidate":
		return c.consolidate(sess, p)
	case "update":
		return c.update(sess, p)
	case "delete":
		return c.delete(sess, p)
	case "protect":
		return c.protect(sess, p)
	case "complete":
		return c.complete(sess, p)
	default:
		return ErrorResult{
			Type:           "error",
			Error:          fmt.Sprintf("unknown action %q", action),
			AllowedActions: AllowedActions,
		}, nil
	}
}

func (c *Controller) search(sess *Session, p Params) (Result, error) {
	if strings.TrimSpace(p.Query) == "" {
		return errorResult("'query' is required for search"), nil
	}
	mems, err := c.store.SearchCore(sess.AgentID, p.Query, 0)
	if err != nil {
		return nil, err
	}
	results := make([]memory.LedgerEntry, 0, len(mems))
	for _, m := range mems {
		results = append(results, memory.Ledger(m))
	}
	return SearchResults{
		Type:    "search_results",
		Query:   p.Query,
		Count:   len(results),
		Results: results,
	}, nil
}

// findCore resolves a live core memory and checks it belongs to the session's
// agent. A foreign memory reads as not found so ids cannot probe across
// agents.
func (c *Controller) findCore(sess *Session, id string) (*memory.Memory, Result, error) {
	m, err := c.store.FindCore(id)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, errorResult(fmt.Sprintf("memory %s not found", id)), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if m.AgentID != sess.AgentID {
		return nil, errorResult(fmt.Sprintf("memory %s not found", id)), nil
	}
	return m, nil, nil
}

func (c *Controller) consolidate(sess *Session, p Params) (Result, error) {
	ids := splitIDs(p.IDs)
	if len(ids) < 2 {
		return errorResult("'ids' must name at least two memories to consolidate"), nil
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return errorResult(fmt.Sprintf("'ids' lists memory %s more than once", id)), nil
		}
		seen[id] = true
	}
	if err := memory.ValidateContent(p.Content, c.store.Config().MaxContentLength); err != nil {
		return errorResult(err.Error()), nil
	}

	sources := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		m, res, err := c.findCore(sess, id)
		if res != nil || err != nil {
			return res, err
		}
		if m.Constitutional {
			return errorResult(fmt.Sprintf("memory %s is constitutional and cannot be consolidated", id)), nil
		}
		sources = append(sources, m)
	}

	// The merged memory inherits the earliest source timestamp so it keeps
	// the position of the knowledge it replaces.
	earliest := sources[0].CreatedAt
	for _, m := range sources[1:] {
		if m.CreatedAt.Before(earliest) {
			earliest = m.CreatedAt
		}
	}

	var merged *memory.Memory
	err := c.store.RunInTx(func(tx *memory.Tx) error {
		var err error
		merged, err = tx.CreateMemory(memory.CreateMemoryParams{
			AgentID:   sess.AgentID,
			AccountID: sources[0].AccountID,
			Content:   p.Content,
			Kind:      memory.KindCore,
			CreatedAt: earliest,
		})
		if err != nil {
			return err
		}
		payload := consolidatePayload{Result: memoryRef{ID: merged.ID, Content: merged.Content}}
		for _, m := range sources {
			if err := tx.SoftDelete(m.ID); err != nil {
				return err
			}
			payload.Merged = append(payload.Merged, memoryRef{ID: m.ID, Content: m.Content})
		}
		_, err = tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionConsolidate,
			SubjectKind: memory.SubjectMemory,
			SubjectID:   merged.ID,
			AccountID:   merged.AccountID,
			SessionID:   sess.ID,
			Payload:     payload,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	sess.Stats.Consolidated += len(sources)
	return Consolidated{
		Type:        "consolidated",
		MergedCount: len(sources),
		NewContent:  merged.Content,
	}, nil
}

func (c *Controller) update(sess *Session, p Params) (Result, error) {
	if p.ID == "" {
		return errorResult("'id' is required for update"), nil
	}
	if err := memory.ValidateContent(p.Content, c.store.Config().MaxContentLength); err != nil {
		return errorResult(err.Error()), nil
	}
	m, res, err := c.findCore(sess, p.ID)
	if res != nil || err != nil {
		return res, err
	}

	err = c.store.RunInTx(func(tx *memory.Tx) error {
		if err := tx.UpdateContent(m.ID, p.Content); err != nil {
			return err
		}
		_, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionUpdate,
			SubjectKind: memory.SubjectMemory,
			SubjectID:   m.ID,
			AccountID:   m.AccountID,
			SessionID:   sess.ID,
			Payload:     updatePayload{Before: m.Content, After: p.Content},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	sess.Stats.Updated++
	return Updated{Type: "updated", ID: m.ID, Content: p.Content}, nil
}

func (c *Controller) delete(sess *Session, p Params) (Result, error) {
	if p.ID == "" {
		return errorResult("'id' is required for delete"), nil
	}
	m, res, err := c.findCore(sess, p.ID)
	if res != nil || err != nil {
		return res, err
	}
	if m.Constitutional {
		return errorResult(fmt.Sprintf("memory %s is constitutional and cannot be deleted", p.ID)), nil
	}

	err = c.store.RunInTx(func(tx *memory.Tx) error {
		if err := tx.SoftDelete(m.ID); err != nil {
			return err
		}
		_, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionDelete,
			SubjectKind: memory.SubjectMemory,
			SubjectID:   m.ID,
			AccountID:   m.AccountID,
			SessionID:   sess.ID,
			Payload:     deletePayload{Before: m.Content, After: nil},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	sess.Stats.Deleted++
	return Deleted{Type: "deleted", ID: m.ID}, nil
}

func (c *Controller) protect(sess *Session, p Params) (Result, error) {
	if p.ID == "" {
		return errorResult("'id' is required for protect"), nil
	}
	m, res, err := c.findCore(sess, p.ID)
	if res != nil || err != nil {
		return res, err
	}

	// Idempotent: protecting an already constitutional memory records a
	// fresh audit entry but changes nothing.
	err = c.store.RunInTx(func(tx *memory.Tx) error {
		if err := tx.SetConstitutional(m.ID, true); err != nil {
			return err
		}
		_, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionProtect,
			SubjectKind: memory.SubjectMemory,
			SubjectID:   m.ID,
			AccountID:   m.AccountID,
			SessionID:   sess.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	sess.Stats.Protected++
	return Protected{Type: "protected", ID: m.ID, Content: m.Content}, nil
}

func (c *Controller) complete(sess *Session, p Params) (Result, error) {
	summary := strings.TrimSpace(p.Summary)
	if summary == "" {
		return errorResult("'summary' is required for complete"), nil
	}
	agent, err := c.store.GetAgent(sess.AgentID)
	if err != nil {
		return nil, err
	}
	postMass, err := c.store.CoreMass(sess.AgentID)
	if err != nil {
		return nil, err
	}

	if Tripped(sess.PreSessionMass, postMass, agent.RefinementThreshold) {
		return c.rollback(sess, agent, postMass, summary)
	}

	now := time.Now().UTC()
	journal := fmt.Sprintf(
		"Refinement session complete: %s (consolidated %d, updated %d, deleted %d, protected %d; core mass %d -> %d tokens).",
		summary, sess.Stats.Consolidated, sess.Stats.Updated, sess.Stats.Deleted, sess.Stats.Protected,
		sess.PreSessionMass, postMass,
	)
	err = c.store.RunInTx(func(tx *memory.Tx) error {
		if _, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionComplete,
			SubjectKind: memory.SubjectAgent,
			SubjectID:   agent.ID,
			AccountID:   agent.AccountID,
			SessionID:   sess.ID,
			Payload: completePayload{
				Summary:         summary,
				Stats:           sess.Stats,
				PreSessionMass:  sess.PreSessionMass,
				PostSessionMass: postMass,
			},
		}); err != nil {
			return err
		}
		if _, err := tx.CreateMemory(memory.CreateMemoryParams{
			AgentID:   agent.ID,
			AccountID: agent.AccountID,
			Content:   journal,
			Kind:      memory.KindJournal,
		}); err != nil {
			return err
		}
		return tx.TouchAgentRefinement(agent.ID, now)
	})
	if err != nil {
		return nil, err
	}

	sess.Done = true
	c.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"agent_id":   agent.ID,
		"pre_mass":   sess.PreSessionMass,
		"post_mass":  postMass,
	}).Info("refinement session committed")
	return RefinementComplete{Type: "refinement_complete", Summary: summary, Stats: sess.Stats}, nil
}

func splitIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

package refine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avela/refinery/internal/memory"
)

// rollback reverses every mutation a session made, newest first, by replaying
// the session's audit trail as compensating writes. The reversal, its audit
// entry, and the explanatory journal memory all commit in one transaction so
// a crash mid-rollback leaves the session fully applied rather than half
// undone.
func (c *Controller) rollback(sess *Session, agent *memory.Agent, postMass int, summary string) (Result, error) {
	now := time.Now().UTC()
	reduction := 100 * (1 - float64(postMass)/float64(sess.PreSessionMass))
	reason := fmt.Sprintf(
		"core mass dropped from %d to %d tokens (%.1f%% reduction), below the %.0f%% retention threshold",
		sess.PreSessionMass, postMass, reduction, agent.RefinementThreshold*100,
	)
	journal := fmt.Sprintf(
		"Refinement session reversed: attempted a %.1f%% reduction of core memory (%d -> %d tokens), which fell below the %.0f%% retention threshold. All changes from the session were rolled back. Attempted summary: %s",
		reduction, sess.PreSessionMass, postMass, agent.RefinementThreshold*100, summary,
	)

	err := c.store.RunInTx(func(tx *memory.Tx) error {
		entries, err := tx.SessionAuditsDesc(sess.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := reverseEntry(tx, e); err != nil {
				return fmt.Errorf("reverse %s on %s: %w", e.Action, e.SubjectID, err)
			}
		}
		if _, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionRollback,
			SubjectKind: memory.SubjectAgent,
			SubjectID:   agent.ID,
			AccountID:   agent.AccountID,
			SessionID:   sess.ID,
			Payload: rollbackPayload{
				SessionID:       sess.ID,
				PreSessionMass:  sess.PreSessionMass,
				PostSessionMass: postMass,
				Threshold:       agent.RefinementThreshold,
				Stats:           sess.Stats,
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
		"threshold":  agent.RefinementThreshold,
	}).Warn("refinement session rolled back")
	return RefinementRolledBack{
		Type:    "refinement_rolled_back",
		Summary: summary,
		Stats:   sess.Stats,
		Reason:  reason,
	}, nil
}

// reverseEntry applies the compensating write for one audit entry. Because
// entries are replayed newest first, each reversal sees the state the later
// actions already restored: a memory protected after a consolidation has its
// flag cleared before the consolidation's merged memory is tombstoned.
func reverseEntry(tx *memory.Tx, e memory.AuditEntry) error {
	switch e.Action {
	case memory.ActionDelete:
		return tx.Undelete(e.SubjectID)
	case memory.ActionUpdate:
		var p updatePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if p.Before == "" {
			// Nothing recorded to restore.
			return nil
		}
		return tx.UpdateContent(e.SubjectID, p.Before)
	case memory.ActionConsolidate:
		var p consolidatePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if err := tx.SoftDelete(e.SubjectID); err != nil {
			return err
		}
		for _, src := range p.Merged {
			if err := tx.Undelete(src.ID); err != nil {
				return err
			}
		}
		return nil
	case memory.ActionProtect:
		// Reversal is unconditional: a protect granted inside a failed
		// session is revoked even if the memory carried the flag before.
		return tx.SetConstitutional(e.SubjectID, false)
	default:
		// complete and rollback entries are terminal markers, not mutations.
		return nil
	}
}

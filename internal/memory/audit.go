package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ─── Audit types ─────────────────────────────────────────────────────────────

// Action identifies the kind of refinement mutation an audit entry records.
type Action string

const (
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionProtect     Action = "protect"
	ActionConsolidate Action = "consolidate"
	ActionComplete    Action = "complete"
	ActionRollback    Action = "rollback"
)

// SubjectKind tags the polymorphic audit subject so replay logic can match
// on it exhaustively.
type SubjectKind string

const (
	SubjectMemory SubjectKind = "memory"
	SubjectAgent  SubjectKind = "agent"
)

// AuditEntry is one row of the append-only refinement audit trail. Entries
// sharing a session id, ordered by created_at ascending, reconstruct the
// exact mutation sequence of that session; undone in descending order they
// are exactly reversible.
type AuditEntry struct {
	ID          string          `json:"id"`
	Action      Action          `json:"action"`
	SubjectKind SubjectKind     `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	AccountID   string          `json:"account_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AppendAuditParams holds the input for one audit trail append.
type AppendAuditParams struct {
	Action      Action
	SubjectKind SubjectKind
	SubjectID   string
	AccountID   string
	SessionID   string
	// Payload is marshaled to JSON; nil records an empty object.
	Payload any
}

// ─── Transactions ────────────────────────────────────────────────────────────

// Tx bundles the mutation primitives that must share one atomic unit with
// their audit writes. Callers compose them inside RunInTx; nothing is visible
// outside the transaction until it commits.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// RunInTx runs fn inside a single SQLite transaction. A non-nil error from
// fn rolls everything back, so a mutation can never land without its audit
// entry or vice versa.
func (s *Store) RunInTx(fn func(*Tx) error) error {
	tx, err := s.beginTxHook()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		return err
	}
	if err := s.commitHook(tx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateMemory inserts a new memory entry inside the transaction.
func (t *Tx) CreateMemory(p CreateMemoryParams) (*Memory, error) {
	if err := ValidateContent(p.Content, t.s.cfg.MaxContentLength); err != nil {
		return nil, err
	}
	kind := p.Kind
	if kind == "" {
		kind = KindJournal
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	m := &Memory{
		ID:             t.s.newID(),
		AgentID:        p.AgentID,
		AccountID:      p.AccountID,
		Content:        p.Content,
		Kind:           kind,
		Constitutional: p.Constitutional,
		CreatedAt:      createdAt.UTC(),
	}
	_, err := t.s.execHook(t.tx,
		`INSERT INTO memories (id, agent_id, account_id, content, kind, constitutional, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AgentID, m.AccountID, m.Content, string(m.Kind), boolInt(m.Constitutional),
		m.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// SoftDelete tombstones a live, non-constitutional memory. The constitutional
// guard here backs the controller's precondition check: a protected memory
// cannot be discarded even by a buggy caller.
func (t *Tx) SoftDelete(id string) error {
	res, err := t.s.execHook(t.tx,
		`UPDATE memories SET discarded_at = ?
		 WHERE id = ? AND discarded_at IS NULL AND constitutional = 0`,
		time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("soft delete %s: %w", id, ErrNotFound)
	}
	return nil
}

// Undelete clears a memory's tombstone, looking behind the default
// discarded filter.
func (t *Tx) Undelete(id string) error {
	res, err := t.s.execHook(t.tx,
		`UPDATE memories SET discarded_at = NULL WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("undelete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("undelete %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateContent overwrites a live memory's content.
func (t *Tx) UpdateContent(id, content string) error {
	if err := ValidateContent(content, t.s.cfg.MaxContentLength); err != nil {
		return err
	}
	res, err := t.s.execHook(t.tx,
		`UPDATE memories SET content = ? WHERE id = ? AND discarded_at IS NULL`,
		content, id,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetConstitutional flips a memory's constitutional flag. The tombstone is
// deliberately not filtered: rollback clears flags regardless of state.
func (t *Tx) SetConstitutional(id string, constitutional bool) error {
	res, err := t.s.execHook(t.tx,
		`UPDATE memories SET constitutional = ? WHERE id = ?`,
		boolInt(constitutional), id,
	)
	if err != nil {
		return fmt.Errorf("set constitutional %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set constitutional %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAgentRefinement advances the agent's last-refinement timestamp.
func (t *Tx) TouchAgentRefinement(agentID string, at time.Time) error {
	res, err := t.s.execHook(t.tx,
		`UPDATE agents SET last_refinement_at = ? WHERE id = ?`,
		at.UTC().Format(timeFormat), agentID,
	)
	if err != nil {
		return fmt.Errorf("touch agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch agent %s: %w", agentID, ErrAgentNotFound)
	}
	return nil
}

// AppendAudit appends one entry to the audit trail inside the transaction.
func (t *Tx) AppendAudit(p AppendAuditParams) (*AuditEntry, error) {
	payload := json.RawMessage(`{}`)
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = b
	}

	e := &AuditEntry{
		ID:          t.s.newID(),
		Action:      p.Action,
		SubjectKind: p.SubjectKind,
		SubjectID:   p.SubjectID,
		AccountID:   p.AccountID,
		SessionID:   p.SessionID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := t.s.execHook(t.tx,
		`INSERT INTO audit_entries (id, action, subject_kind, subject_id, account_id, session_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), string(e.SubjectKind), e.SubjectID, e.AccountID,
		nullableString(e.SessionID), string(e.Payload), e.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}
	return e, nil
}

// SessionAuditsDesc returns a session's audit entries newest first, read
// inside the transaction so rollback replays a consistent snapshot.
func (t *Tx) SessionAuditsDesc(sessionID string) ([]AuditEntry, error) {
	return queryAudits(t.tx,
		`SELECT id, action, subject_kind, subject_id, account_id, session_id, payload, created_at
		 FROM audit_entries WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`, sessionID)
}

// SessionAudits returns a session's audit entries oldest first.
func (s *Store) SessionAudits(sessionID string) ([]AuditEntry, error) {
	return queryAudits(s.db,
		`SELECT id, action, subject_kind, subject_id, account_id, session_id, payload, created_at
		 FROM audit_entries WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`, sessionID)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryAudits(db queryer, query string, args ...any) ([]AuditEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var sessionID sql.NullString
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.Action, &e.SubjectKind, &e.SubjectID, &e.AccountID, &sessionID, &payload, &createdAt); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package memory implements the persistent memory store for Refinery agents.
//
// It uses SQLite to hold each agent's identity memories (journal and core
// kinds) together with the append-only audit trail that refinement sessions
// write to. Memories are never hard-deleted: a discarded_at tombstone hides
// them from every default query, and the rollback path is the only caller
// allowed to look behind it.
package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeFormat is a fixed-width UTC layout so stored timestamps order
// lexicographically. RFC3339Nano drops trailing zeros, which would break
// ORDER BY on the audit trail.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ─── Types ───────────────────────────────────────────────────────────────────

// Kind distinguishes permanent identity memories from time-windowed ones.
type Kind string

const (
	// KindJournal memories expire after the retention window.
	KindJournal Kind = "journal"
	// KindCore memories are permanent identity memory.
	KindCore Kind = "core"
)

// Memory is a single entry in an agent's memory store.
type Memory struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	AccountID      string     `json:"account_id"`
	Content        string     `json:"content"`
	Kind           Kind       `json:"kind"`
	Constitutional bool       `json:"constitutional"`
	CreatedAt      time.Time  `json:"created_at"`
	DiscardedAt    *time.Time `json:"discarded_at,omitempty"`
}

// LedgerEntry is the serialized view of a memory exposed to search results.
type LedgerEntry struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Tokens         int       `json:"tokens"`
	Constitutional bool      `json:"constitutional"`
}

// Agent is the owner of a memory store. Refinement consumes its threshold
// and last-refinement timestamp; everything else about agents lives upstream.
type Agent struct {
	ID                  string     `json:"id"`
	AccountID           string     `json:"account_id"`
	Name                string     `json:"name"`
	RefinementThreshold float64    `json:"refinement_threshold"`
	LastRefinementAt    *time.Time `json:"last_refinement_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// CreateMemoryParams holds the input for creating a new memory entry.
type CreateMemoryParams struct {
	AgentID        string
	AccountID      string
	Content        string
	Kind           Kind
	Constitutional bool
	// CreatedAt overrides the insertion timestamp when non-zero. Consolidation
	// uses it to keep the merged memory at the earliest source position.
	CreatedAt time.Time
}

// Stats holds aggregate memory statistics for one agent.
type Stats struct {
	CoreCount           int `json:"core_count"`
	JournalCount        int `json:"journal_count"`
	ConstitutionalCount int `json:"constitutional_count"`
	DiscardedCount      int `json:"discarded_count"`
	CoreMass            int `json:"core_mass"`
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// ErrNotFound is returned when an id does not resolve to a live memory of the
// expected kind.
var ErrNotFound = errors.New("memory not found")

// ErrAgentNotFound is returned when an agent id does not resolve.
var ErrAgentNotFound = errors.New("agent not found")

// ValidateContent checks the content invariant shared by create and update.
// The length limit counts characters, not bytes, so multibyte content is not
// penalized.
func ValidateContent(content string, max int) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content must not be empty")
	}
	if utf8.RuneCountInString(content) > max {
		return fmt.Errorf("content exceeds %d characters", max)
	}
	return nil
}

// TokenEstimate approximates the token cost of content as ceil(len/4).
// Deliberately byte-based: multibyte characters tend to cost more tokens, so
// counting bytes is the closer approximation.
func TokenEstimate(content string) int {
	return (len(content) + 3) / 4
}

// Ledger converts a memory into its search-result view.
func Ledger(m Memory) LedgerEntry {
	return LedgerEntry{
		ID:             m.ID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Tokens:         TokenEstimate(m.Content),
		Constitutional: m.Constitutional,
	}
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds memory store configuration.
type Config struct {
	DataDir          string
	MaxContentLength int
	MaxSearchResults int
	DefaultThreshold float64
}

// DefaultConfig returns the default configuration for the memory store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".refinery"),
		MaxContentLength: 10000,
		MaxSearchResults: 50,
		DefaultThreshold: 0.90,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the persistent memory engine backed by SQLite.
type Store struct {
	db      *sql.DB
	cfg     Config
	entropy *ulid.MonotonicEntropy
	hooks   storeHooks
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type storeHooks struct {
	exec    func(db execer, query string, args ...any) (sql.Result, error)
	beginTx func(db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(db execer, query string, args ...any) (sql.Result, error) {
			return db.Exec(query, args...)
		},
		beginTx: func(db *sql.DB) (*sql.Tx, error) {
			return db.Begin()
		},
		commit: func(tx *sql.Tx) error {
			return tx.Commit()
		},
	}
}

func (s *Store) execHook(db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(db, query, args...)
	}
	return db.Exec(query, args...)
}

func (s *Store) beginTxHook() (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(s.db)
	}
	return s.db.Begin()
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a new Store with the given configuration.
// It creates the data directory if needed, opens SQLite with WAL mode,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "refinery.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		hooks:   defaultStoreHooks(),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                   TEXT PRIMARY KEY,
			account_id           TEXT NOT NULL,
			name                 TEXT NOT NULL,
			refinement_threshold REAL NOT NULL DEFAULT 0.90,
			last_refinement_at   TEXT,
			created_at           TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_account ON agents(account_id);

		CREATE TABLE IF NOT EXISTS memories (
			id             TEXT    PRIMARY KEY,
			agent_id       TEXT    NOT NULL REFERENCES agents(id),
			account_id     TEXT    NOT NULL,
			content        TEXT    NOT NULL,
			kind           TEXT    NOT NULL DEFAULT 'journal',
			constitutional INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT    NOT NULL,
			discarded_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_mem_agent     ON memories(agent_id, kind, discarded_at);
		CREATE INDEX IF NOT EXISTS idx_mem_created   ON memories(created_at);
		CREATE INDEX IF NOT EXISTS idx_mem_discarded ON memories(discarded_at);

		CREATE TABLE IF NOT EXISTS audit_entries (
			id           TEXT PRIMARY KEY,
			action       TEXT NOT NULL,
			subject_kind TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			account_id   TEXT NOT NULL,
			session_id   TEXT,
			payload      TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject_kind, subject_id);
	`
	if _, err := s.execHook(s.db, schema); err != nil {
		return err
	}
	return nil
}

// ─── Agents ──────────────────────────────────────────────────────────────────

// CreateAgent registers a new agent. A threshold of zero takes the configured
// default; anything outside (0, 1] is rejected.
func (s *Store) CreateAgent(accountID, name string, threshold float64) (*Agent, error) {
	if threshold == 0 {
		threshold = s.cfg.DefaultThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("refinement threshold must be in (0, 1], got %v", threshold)
	}

	a := &Agent{
		ID:                  s.newID(),
		AccountID:           accountID,
		Name:                name,
		RefinementThreshold: threshold,
		CreatedAt:           time.Now().UTC(),
	}
	_, err := s.execHook(s.db,
		`INSERT INTO agents (id, account_id, name, refinement_threshold, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.AccountID, a.Name, a.RefinementThreshold, a.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, account_id, name, refinement_threshold, last_refinement_at, created_at
		 FROM agents WHERE id = ?`, id,
	)
	var a Agent
	var lastRefinement sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.RefinementThreshold, &lastRefinement, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if lastRefinement.Valid {
		t, _ := time.Parse(timeFormat, lastRefinement.String)
		a.LastRefinementAt = &t
	}
	return &a, nil
}

// SetAgentThreshold updates an agent's retention threshold.
func (s *Store) SetAgentThreshold(id string, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("refinement threshold must be in (0, 1], got %v", threshold)
	}
	res, err := s.execHook(s.db, `UPDATE agents SET refinement_threshold = ? WHERE id = ?`, threshold, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// ─── Memories ────────────────────────────────────────────────────────────────

// CreateMemory inserts a new memory entry outside any refinement session.
// Session-scoped creation goes through Tx.CreateMemory so it shares a
// transaction with its audit write.
func (s *Store) CreateMemory(p CreateMemoryParams) (*Memory, error) {
	var created *Memory
	err := s.RunInTx(func(tx *Tx) error {
		m, err := tx.CreateMemory(p)
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// FindCore retrieves a live core memory by ID.
func (s *Store) FindCore(id string) (*Memory, error) {
	return s.findMemory(
		`SELECT id, agent_id, account_id, content, kind, constitutional, created_at, discarded_at
		 FROM memories WHERE id = ? AND kind = 'core' AND discarded_at IS NULL`, id)
}

// FindAny retrieves a memory by ID regardless of kind or tombstone state.
// Only the rollback path should need this.
func (s *Store) FindAny(id string) (*Memory, error) {
	return s.findMemory(
		`SELECT id, agent_id, account_id, content, kind, constitutional, created_at, discarded_at
		 FROM memories WHERE id = ?`, id)
}

func (s *Store) findMemory(query string, args ...any) (*Memory, error) {
	row := s.db.QueryRow(query, args...)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// SearchCore performs a case-insensitive substring search over an agent's
// live core memories, oldest first.
func (s *Store) SearchCore(agentID, query string, limit int) ([]Memory, error) {
	if limit <= 0 || limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.Query(
		`SELECT id, agent_id, account_id, content, kind, constitutional, created_at, discarded_at
		 FROM memories
		 WHERE agent_id = ? AND kind = 'core' AND discarded_at IS NULL
		   AND lower(content) LIKE ? ESCAPE '\'
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		agentID, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search core: %w", err)
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

// CoreMass returns the aggregate token estimate across an agent's live core
// memories. Journal memories never count toward mass.
func (s *Store) CoreMass(agentID string) (int, error) {
	rows, err := s.db.Query(
		`SELECT content FROM memories
		 WHERE agent_id = ? AND kind = 'core' AND discarded_at IS NULL`,
		agentID,
	)
	if err != nil {
		return 0, fmt.Errorf("core mass: %w", err)
	}
	defer rows.Close()

	mass := 0
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return 0, err
		}
		mass += TokenEstimate(content)
	}
	return mass, rows.Err()
}

// Stats returns aggregate memory statistics for one agent.
func (s *Store) Stats(agentID string) (*Stats, error) {
	st := &Stats{}
	queries := []struct {
		dest  *int
		query string
	}{
		{&st.CoreCount, `SELECT COUNT(*) FROM memories WHERE agent_id = ? AND kind = 'core' AND discarded_at IS NULL`},
		{&st.JournalCount, `SELECT COUNT(*) FROM memories WHERE agent_id = ? AND kind = 'journal' AND discarded_at IS NULL`},
		{&st.ConstitutionalCount, `SELECT COUNT(*) FROM memories WHERE agent_id = ? AND constitutional = 1 AND discarded_at IS NULL`},
		{&st.DiscardedCount, `SELECT COUNT(*) FROM memories WHERE agent_id = ? AND discarded_at IS NOT NULL`},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query, agentID).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	mass, err := s.CoreMass(agentID)
	if err != nil {
		return nil, err
	}
	st.CoreMass = mass
	return st, nil
}

// Overview returns store-wide totals for the status resource.
type Overview struct {
	Agents            int `json:"agents"`
	LiveMemories      int `json:"live_memories"`
	DiscardedMemories int `json:"discarded_memories"`
	AuditEntries      int `json:"audit_entries"`
}

// StoreOverview reports aggregate counts across all agents.
func (s *Store) StoreOverview() (*Overview, error) {
	o := &Overview{}
	queries := []struct {
		dest  *int
		query string
	}{
		{&o.Agents, `SELECT COUNT(*) FROM agents`},
		{&o.LiveMemories, `SELECT COUNT(*) FROM memories WHERE discarded_at IS NULL`},
		{&o.DiscardedMemories, `SELECT COUNT(*) FROM memories WHERE discarded_at IS NOT NULL`},
		{&o.AuditEntries, `SELECT COUNT(*) FROM audit_entries`},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// PurgeExpiredJournal tombstones journal memories created before the cutoff.
// Core memories are never touched. Returns the number purged.
func (s *Store) PurgeExpiredJournal(cutoff time.Time) (int, error) {
	res, err := s.execHook(s.db,
		`UPDATE memories SET discarded_at = ?
		 WHERE kind = 'journal' AND discarded_at IS NULL AND created_at < ?`,
		time.Now().UTC().Format(timeFormat), cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var constitutional int
	var createdAt string
	var discardedAt sql.NullString

	err := row.Scan(&m.ID, &m.AgentID, &m.AccountID, &m.Content, &m.Kind, &constitutional, &createdAt, &discardedAt)
	if err != nil {
		return nil, err
	}
	m.Constitutional = constitutional != 0
	m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if discardedAt.Valid {
		t, _ := time.Parse(timeFormat, discardedAt.String)
		m.DiscardedAt = &t
	}
	return &m, nil
}

// escapeLike escapes LIKE wildcards in a user-supplied substring.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

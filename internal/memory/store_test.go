package memory_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avela/refinery/internal/memory"
)

// newTestStore creates a Store backed by a temp directory for isolation.
func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	cfg := memory.Config{
		DataDir:          t.TempDir(),
		MaxContentLength: 2000,
		MaxSearchResults: 20,
		DefaultThreshold: 0.90,
	}
	s, err := memory.New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestAgent registers an agent that memories can belong to.
func newTestAgent(t *testing.T, s *memory.Store) *memory.Agent {
	t.Helper()
	a, err := s.CreateAgent("acct-1", "ava", 0)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return a
}

func createCore(t *testing.T, s *memory.Store, a *memory.Agent, content string) *memory.Memory {
	t.Helper()
	m, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID:   a.ID,
		AccountID: a.AccountID,
		Content:   content,
		Kind:      memory.KindCore,
	})
	if err != nil {
		t.Fatalf("failed to create core memory: %v", err)
	}
	return m
}

// ─── New / Initialization ───────────────────────────────────────────────────

func TestNew_CreatesDBFile(t *testing.T) {
	dir := t.TempDir()
	s, err := memory.New(memory.Config{
		DataDir:          dir,
		MaxContentLength: 2000,
		MaxSearchResults: 20,
		DefaultThreshold: 0.90,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "refinery.db")); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
}

func TestNew_IdempotentReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := memory.Config{
		DataDir:          dir,
		MaxContentLength: 2000,
		MaxSearchResults: 20,
		DefaultThreshold: 0.90,
	}

	s1, err := memory.New(cfg)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	a, err := s1.CreateAgent("acct-1", "ava", 0)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	m, err := s1.CreateMemory(memory.CreateMemoryParams{
		AgentID:   a.ID,
		AccountID: a.AccountID,
		Content:   "persisted fact",
		Kind:      memory.KindCore,
	})
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	s1.Close()

	s2, err := memory.New(cfg)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.FindCore(m.ID)
	if err != nil {
		t.Fatalf("memory not found after reopen: %v", err)
	}
	if got.Content != "persisted fact" {
		t.Errorf("content = %q, want %q", got.Content, "persisted fact")
	}
}

// ─── Agents ─────────────────────────────────────────────────────────────────

func TestCreateAgent_DefaultThreshold(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	if a.RefinementThreshold != 0.90 {
		t.Errorf("threshold = %v, want 0.90", a.RefinementThreshold)
	}

	got, err := s.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "ava" || got.AccountID != "acct-1" {
		t.Errorf("got %+v, want name ava account acct-1", got)
	}
	if got.LastRefinementAt != nil {
		t.Error("fresh agent should have no last refinement timestamp")
	}
}

func TestCreateAgent_RejectsBadThreshold(t *testing.T) {
	s := newTestStore(t)
	for _, bad := range []float64{-0.1, 1.01, 2} {
		if _, err := s.CreateAgent("acct-1", "ava", bad); err == nil {
			t.Errorf("threshold %v should be rejected", bad)
		}
	}
}

func TestSetAgentThreshold(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	if err := s.SetAgentThreshold(a.ID, 0.75); err != nil {
		t.Fatalf("SetAgentThreshold: %v", err)
	}
	got, _ := s.GetAgent(a.ID)
	if got.RefinementThreshold != 0.75 {
		t.Errorf("threshold = %v, want 0.75", got.RefinementThreshold)
	}

	if err := s.SetAgentThreshold("missing", 0.5); !errors.Is(err, memory.ErrAgentNotFound) {
		t.Errorf("want ErrAgentNotFound, got %v", err)
	}
}

// ─── Memories ───────────────────────────────────────────────────────────────

func TestCreateMemory_DefaultsToJournal(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	m, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID:   a.ID,
		AccountID: a.AccountID,
		Content:   "saw a thing",
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if m.Kind != memory.KindJournal {
		t.Errorf("kind = %s, want journal", m.Kind)
	}
	if m.DiscardedAt != nil {
		t.Error("new memory should not be tombstoned")
	}
}

func TestCreateMemory_ContentValidation(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	_, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "   ",
	})
	if err == nil {
		t.Error("blank content should be rejected")
	}

	_, err = s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: strings.Repeat("x", 2001),
	})
	if err == nil {
		t.Error("over-length content should be rejected")
	}
}

func TestValidateContent_CountsCharactersNotBytes(t *testing.T) {
	// Two bytes per rune in UTF-8, so 2000 of them blow past the byte
	// count while staying exactly at the character limit.
	if err := memory.ValidateContent(strings.Repeat("é", 2000), 2000); err != nil {
		t.Errorf("2000 multibyte characters should be accepted: %v", err)
	}
	if err := memory.ValidateContent(strings.Repeat("é", 2001), 2000); err == nil {
		t.Error("2001 multibyte characters should be rejected")
	}
}

func TestTokenEstimate(t *testing.T) {
	tests := []struct {
		length int
		want   int
	}{
		{1, 1},
		{3, 1},
		{4, 1},
		{5, 2},
		{400, 100},
	}
	for _, tt := range tests {
		got := memory.TokenEstimate(strings.Repeat("a", tt.length))
		if got != tt.want {
			t.Errorf("TokenEstimate(len %d) = %d, want %d", tt.length, got, tt.want)
		}
	}
}

func TestFindCore_ExcludesJournalAndTombstoned(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	j, _ := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "journal note",
	})
	if _, err := s.FindCore(j.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("journal memory should not resolve as core, got %v", err)
	}

	c := createCore(t, s, a, "core fact")
	err := s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(c.ID) })
	if err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := s.FindCore(c.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("tombstoned memory should not resolve, got %v", err)
	}
}

func TestSoftDeleteUndelete_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)
	m := createCore(t, s, a, "ephemeral fact")

	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(m.ID) }); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// Hidden from the default lookup but still present behind the tombstone.
	if _, err := s.FindCore(m.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	any, err := s.FindAny(m.ID)
	if err != nil {
		t.Fatalf("FindAny: %v", err)
	}
	if any.DiscardedAt == nil {
		t.Fatal("tombstone timestamp should be set")
	}

	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.Undelete(m.ID) }); err != nil {
		t.Fatalf("Undelete: %v", err)
	}
	back, err := s.FindCore(m.ID)
	if err != nil {
		t.Fatalf("memory should be live after undelete: %v", err)
	}
	if back.DiscardedAt != nil {
		t.Error("tombstone should be cleared")
	}
}

func TestSoftDelete_RefusesConstitutional(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	m, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID:        a.ID,
		AccountID:      a.AccountID,
		Content:        "I am kind to users",
		Kind:           memory.KindCore,
		Constitutional: true,
	})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	err = s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(m.ID) })
	if !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("constitutional delete should fail with ErrNotFound, got %v", err)
	}

	got, err := s.FindCore(m.ID)
	if err != nil {
		t.Fatalf("memory should still be live: %v", err)
	}
	if !got.Constitutional {
		t.Error("constitutional flag lost")
	}
}

func TestUpdateContent_LiveOnly(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)
	m := createCore(t, s, a, "v1")

	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.UpdateContent(m.ID, "v2") }); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	got, _ := s.FindCore(m.ID)
	if got.Content != "v2" {
		t.Errorf("content = %q, want v2", got.Content)
	}

	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(m.ID) }); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	err := s.RunInTx(func(tx *memory.Tx) error { return tx.UpdateContent(m.ID, "v3") })
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("updating a tombstoned memory should fail, got %v", err)
	}
}

// ─── Search ─────────────────────────────────────────────────────────────────

func TestSearchCore_CaseInsensitiveSubstring(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	first := createCore(t, s, a, "The user prefers Spanish for greetings")
	second := createCore(t, s, a, "User timezone is UTC-5")
	createCore(t, s, a, "Completely unrelated fact")

	results, err := s.SearchCore(a.ID, "USER", 0)
	if err != nil {
		t.Fatalf("SearchCore: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Oldest first.
	if results[0].ID != first.ID || results[1].ID != second.ID {
		t.Errorf("results out of order: %s, %s", results[0].ID, results[1].ID)
	}
}

func TestSearchCore_EscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	createCore(t, s, a, "literal percent 100% correct")
	createCore(t, s, a, "no wildcard here")

	results, err := s.SearchCore(a.ID, "100%", 0)
	if err != nil {
		t.Fatalf("SearchCore: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("wildcard should be literal: got %d results, want 1", len(results))
	}
}

func TestSearchCore_ExcludesDeletedAndForeign(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)
	b, err := s.CreateAgent("acct-1", "beto", 0)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	m := createCore(t, s, a, "shared topic alpha")
	createCore(t, s, b, "shared topic alpha for the other agent")
	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(m.ID) }); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	results, err := s.SearchCore(a.ID, "alpha", 0)
	if err != nil {
		t.Fatalf("SearchCore: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

// ─── Mass and stats ─────────────────────────────────────────────────────────

func TestCoreMass_SumsLiveCoreOnly(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	createCore(t, s, a, strings.Repeat("a", 400)) // 100 tokens
	dead := createCore(t, s, a, strings.Repeat("b", 200))
	if _, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: strings.Repeat("c", 800),
	}); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if err := s.RunInTx(func(tx *memory.Tx) error { return tx.SoftDelete(dead.ID) }); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	mass, err := s.CoreMass(a.ID)
	if err != nil {
		t.Fatalf("CoreMass: %v", err)
	}
	if mass != 100 {
		t.Errorf("mass = %d, want 100 (journal and tombstoned excluded)", mass)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	createCore(t, s, a, strings.Repeat("a", 40))
	if _, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "note", Kind: memory.KindJournal,
	}); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if _, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "law",
		Kind: memory.KindCore, Constitutional: true,
	}); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	st, err := s.Stats(a.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.CoreCount != 2 || st.JournalCount != 1 || st.ConstitutionalCount != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.CoreMass != 10+1 {
		t.Errorf("core mass = %d, want 11", st.CoreMass)
	}
}

// ─── Retention ──────────────────────────────────────────────────────────────

func TestPurgeExpiredJournal(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	old := time.Now().UTC().Add(-48 * time.Hour)
	var oldJournal *memory.Memory
	err := s.RunInTx(func(tx *memory.Tx) error {
		var err error
		oldJournal, err = tx.CreateMemory(memory.CreateMemoryParams{
			AgentID: a.ID, AccountID: a.AccountID, Content: "stale note", CreatedAt: old,
		})
		return err
	})
	if err != nil {
		t.Fatalf("create old journal: %v", err)
	}
	fresh, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "fresh note",
	})
	if err != nil {
		t.Fatalf("create fresh journal: %v", err)
	}
	var oldCore *memory.Memory
	err = s.RunInTx(func(tx *memory.Tx) error {
		var err error
		oldCore, err = tx.CreateMemory(memory.CreateMemoryParams{
			AgentID: a.ID, AccountID: a.AccountID, Content: "old identity fact",
			Kind: memory.KindCore, CreatedAt: old,
		})
		return err
	})
	if err != nil {
		t.Fatalf("create old core: %v", err)
	}

	n, err := s.PurgeExpiredJournal(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredJournal: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	if got, _ := s.FindAny(oldJournal.ID); got.DiscardedAt == nil {
		t.Error("old journal should be tombstoned")
	}
	if got, _ := s.FindAny(fresh.ID); got.DiscardedAt != nil {
		t.Error("fresh journal should survive")
	}
	if _, err := s.FindCore(oldCore.ID); err != nil {
		t.Errorf("core memory must never be purged: %v", err)
	}
}

// ─── Audit trail ────────────────────────────────────────────────────────────

func TestSessionAudits_Ordering(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)
	m := createCore(t, s, a, "subject")

	actions := []memory.Action{memory.ActionUpdate, memory.ActionProtect, memory.ActionDelete}
	for _, action := range actions {
		err := s.RunInTx(func(tx *memory.Tx) error {
			_, err := tx.AppendAudit(memory.AppendAuditParams{
				Action:      action,
				SubjectKind: memory.SubjectMemory,
				SubjectID:   m.ID,
				AccountID:   a.AccountID,
				SessionID:   "sess-1",
			})
			return err
		})
		if err != nil {
			t.Fatalf("AppendAudit %s: %v", action, err)
		}
	}

	asc, err := s.SessionAudits("sess-1")
	if err != nil {
		t.Fatalf("SessionAudits: %v", err)
	}
	if len(asc) != 3 {
		t.Fatalf("got %d entries, want 3", len(asc))
	}
	for i, action := range actions {
		if asc[i].Action != action {
			t.Errorf("asc[%d] = %s, want %s", i, asc[i].Action, action)
		}
	}

	err = s.RunInTx(func(tx *memory.Tx) error {
		desc, err := tx.SessionAuditsDesc("sess-1")
		if err != nil {
			return err
		}
		for i := range desc {
			if desc[i].Action != actions[len(actions)-1-i] {
				t.Errorf("desc[%d] = %s, want %s", i, desc[i].Action, actions[len(actions)-1-i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("SessionAuditsDesc: %v", err)
	}
}

func TestAppendAudit_EmptyPayload(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	err := s.RunInTx(func(tx *memory.Tx) error {
		_, err := tx.AppendAudit(memory.AppendAuditParams{
			Action:      memory.ActionProtect,
			SubjectKind: memory.SubjectMemory,
			SubjectID:   "some-id",
			AccountID:   a.AccountID,
			SessionID:   "sess-2",
		})
		return err
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	entries, err := s.SessionAudits("sess-2")
	if err != nil {
		t.Fatalf("SessionAudits: %v", err)
	}
	if string(entries[0].Payload) != "{}" {
		t.Errorf("payload = %s, want {}", entries[0].Payload)
	}
}

// ─── Transaction faults ─────────────────────────────────────────────────────

func TestRunInTx_CommitFailureLeavesNoTrace(t *testing.T) {
	s := newTestStore(t)
	a := newTestAgent(t, s)

	injected := errors.New("disk full")
	s.FailCommits(injected)

	_, err := s.CreateMemory(memory.CreateMemoryParams{
		AgentID: a.ID, AccountID: a.AccountID, Content: "doomed", Kind: memory.KindCore,
	})
	if !errors.Is(err, injected) {
		t.Fatalf("want injected commit error, got %v", err)
	}

	s.RestoreHooks()
	results, err := s.SearchCore(a.ID, "doomed", 0)
	if err != nil {
		t.Fatalf("SearchCore: %v", err)
	}
	if len(results) != 0 {
		t.Error("failed transaction must not leave a memory behind")
	}
}

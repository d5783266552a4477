package memory

import "database/sql"

// FailCommits makes every subsequent transaction commit fail with err.
func (s *Store) FailCommits(err error) {
	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return err
	}
}

// RestoreHooks resets fault injection.
func (s *Store) RestoreHooks() {
	s.hooks = defaultStoreHooks()
}

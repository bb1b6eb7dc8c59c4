// Package cursor persists per-thread last-seen stream sequence numbers so
// a restarted engine resumes delivery where it left off instead of
// replaying or skipping frames.
package cursor

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps cursors in a local sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cursor database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "cursors.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle, used by tests.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_cursors (
			thread_id  TEXT PRIMARY KEY,
			last_seq   INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate cursor db: %w", err)
	}
	return nil
}

// Get returns the last persisted sequence for a thread, zero if none.
func (s *Store) Get(threadID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`
		SELECT last_seq FROM stream_cursors WHERE thread_id = ?
	`, threadID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s: %w", threadID, err)
	}
	return seq, nil
}

// Put records the last delivered sequence for a thread. A stale write (a
// seq at or below the stored one) is ignored so racing writers cannot move
// a cursor backwards.
func (s *Store) Put(threadID string, seq uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO stream_cursors (thread_id, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
		WHERE excluded.last_seq > stream_cursors.last_seq
	`, threadID, seq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put cursor %s: %w", threadID, err)
	}
	return nil
}

// Delete removes a thread's cursor, used when a thread is deleted.
func (s *Store) Delete(threadID string) error {
	_, err := s.db.Exec(`DELETE FROM stream_cursors WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete cursor %s: %w", threadID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

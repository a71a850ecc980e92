package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists ledger snapshots across restarts.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Clear(ctx context.Context) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_counts (
	item_id TEXT PRIMARY KEY,
	count   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_emitted (
	record_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS ledger_finished (
	item_id TEXT PRIMARY KEY
);`

// SQLiteStore keeps the ledger in an SQLite file. Saves only add rows, the
// ledger being monotonic between resets.
type SQLiteStore struct {
	db *sql.DB
}

type storeConfig struct {
	busyTimeout int
	synchronous string
}

type StoreOption func(*storeConfig)

func WithBusyTimeout(ms int) StoreOption {
	return func(c *storeConfig) { c.busyTimeout = ms }
}

// WithSynchronous sets PRAGMA synchronous, NORMAL by default.
func WithSynchronous(mode string) StoreOption {
	return func(c *storeConfig) { c.synchronous = mode }
}

// OpenSQLite opens or creates the ledger database at path.
func OpenSQLite(path string, opts ...StoreOption) (*SQLiteStore, error) {
	cfg := storeConfig{busyTimeout: 10_000, synchronous: "NORMAL"}
	for _, o := range opts {
		o(&cfg)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	// a single writer keeps ":memory:" databases shared and avoids busy loops
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Counts: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT item_id, count FROM ledger_counts`)
	if err != nil {
		return snap, fmt.Errorf("ledger: load counts: %w", err)
	}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return snap, fmt.Errorf("ledger: scan count: %w", err)
		}
		snap.Counts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	if snap.Emitted, err = s.column(ctx, `SELECT record_id FROM ledger_emitted ORDER BY record_id`); err != nil {
		return snap, err
	}
	if snap.Finished, err = s.column(ctx, `SELECT item_id FROM ledger_finished ORDER BY item_id`); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *SQLiteStore) column(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", query, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	countStmt, err := tx.PrepareContext(ctx, `INSERT INTO ledger_counts (item_id, count) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET count = MAX(count, excluded.count)`)
	if err != nil {
		return fmt.Errorf("ledger: prepare counts: %w", err)
	}
	defer countStmt.Close()
	for id, n := range snap.Counts {
		if _, err := countStmt.ExecContext(ctx, id, n); err != nil {
			return fmt.Errorf("ledger: save count %s: %w", id, err)
		}
	}

	if err := insertAll(ctx, tx, `INSERT OR IGNORE INTO ledger_emitted (record_id) VALUES (?)`, snap.Emitted); err != nil {
		return err
	}
	if err := insertAll(ctx, tx, `INSERT OR IGNORE INTO ledger_finished (item_id) VALUES (?)`, snap.Finished); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func insertAll(ctx context.Context, tx *sql.Tx, query string, values []string) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("ledger: prepare: %w", err)
	}
	defer stmt.Close()
	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, v); err != nil {
			return fmt.Errorf("ledger: insert %s: %w", v, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	for _, table := range []string{"ledger_counts", "ledger_emitted", "ledger_finished"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("ledger: clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps the last saved snapshot in memory.
type MemoryStore struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{Counts: map[string]int{}}}
}

func (m *MemoryStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.snap), nil
}

func (m *MemoryStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = copySnapshot(s)
	m.saves++
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{Counts: map[string]int{}}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Saves counts successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Counts:   make(map[string]int, len(s.Counts)),
		Emitted:  append([]string(nil), s.Emitted...),
		Finished: append([]string(nil), s.Finished...),
	}
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	return out
}

package channels

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// SQLiteStore persists canonical channel state in SQLite so a session can
// resume with the same ink limits and scale baselines.
//
// Apply runs in a single transaction; readers never see a half-applied
// batch.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dbPath. ":memory:" opens a
// shared in-memory database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		end_value INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT 'default'
	);

	CREATE TABLE IF NOT EXISTS scaling (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		global_percent REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS baselines (
		channel TEXT PRIMARY KEY,
		end_value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO scaling (id, global_percent) VALUES (1, 100);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Load implements Canonical.
func (s *SQLiteStore) Load(ctx context.Context, states []ChannelState) error {
	if err := validateStates(states); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM channels",
		"DELETE FROM baselines",
		"UPDATE scaling SET global_percent = 100 WHERE id = 1",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
	}

	insert, err := tx.PrepareContext(ctx,
		"INSERT INTO channels (name, position, end_value, source) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer insert.Close()

	for i, st := range states {
		st = NewChannelState(st.Name, st.End, st.Source)
		if _, err := insert.ExecContext(ctx, st.Name, i, st.End, string(st.Source)); err != nil {
			return fmt.Errorf("insert channel %q: %w", st.Name, err)
		}
	}

	return tx.Commit()
}

// Snapshot implements Canonical.
func (s *SQLiteStore) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return snapshotTx(ctx, tx)
}

func snapshotTx(ctx context.Context, tx *sql.Tx) (Snapshot, error) {
	var snap Snapshot
	if err := tx.QueryRowContext(ctx,
		"SELECT global_percent FROM scaling WHERE id = 1").Scan(&snap.GlobalPercent); err != nil {
		return Snapshot{}, fmt.Errorf("read global percent: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT name, end_value, source FROM channels ORDER BY position")
	if err != nil {
		return Snapshot{}, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name   string
			end    int
			source string
		)
		if err := rows.Scan(&name, &end, &source); err != nil {
			return Snapshot{}, fmt.Errorf("scan channel: %w", err)
		}
		snap.Channels = append(snap.Channels, NewChannelState(name, end, Source(source)))
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	brows, err := tx.QueryContext(ctx, "SELECT channel, end_value FROM baselines")
	if err != nil {
		return Snapshot{}, fmt.Errorf("query baselines: %w", err)
	}
	defer brows.Close()

	for brows.Next() {
		var (
			name string
			end  int
		)
		if err := brows.Scan(&name, &end); err != nil {
			return Snapshot{}, fmt.Errorf("scan baseline: %w", err)
		}
		if snap.Baselines == nil {
			snap.Baselines = make(map[string]int)
		}
		snap.Baselines[name] = end
	}
	return snap, brows.Err()
}

// Apply implements Canonical.
func (s *SQLiteStore) Apply(ctx context.Context, batch Batch) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := snapshotTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	known := func(name string) bool {
		_, ok := current.Channel(name)
		return ok
	}
	for _, u := range batch.Updates {
		if err := validateUpdate(u, known); err != nil {
			return nil, err
		}
	}

	update, err := tx.PrepareContext(ctx,
		"UPDATE channels SET end_value = ?, source = ? WHERE name = ?")
	if err != nil {
		return nil, err
	}
	defer update.Close()

	next := make(map[string]ChannelState, len(current.Channels))
	for _, ch := range current.Channels {
		next[ch.Name] = ch
	}
	for _, u := range batch.Updates {
		cur := next[u.Channel]
		source := cur.Source
		if u.Source != "" {
			source = u.Source
		}
		st := NewChannelState(cur.Name, u.End, source)
		if st == cur {
			continue
		}
		if _, err := update.ExecContext(ctx, st.End, string(st.Source), st.Name); err != nil {
			return nil, fmt.Errorf("update channel %q: %w", st.Name, err)
		}
		next[u.Channel] = st
	}

	if batch.GlobalPercent > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE scaling SET global_percent = ? WHERE id = 1", batch.GlobalPercent); err != nil {
			return nil, fmt.Errorf("update global percent: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM baselines"); err != nil {
		return nil, fmt.Errorf("clear baselines: %w", err)
	}
	for name, end := range batch.Baselines {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO baselines (channel, end_value) VALUES (?, ?)", name, end); err != nil {
			return nil, fmt.Errorf("insert baseline %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return changedNames(current.Channels, next), nil
}

// CanonicalRecords implements audit.CanonicalReader.
func (s *SQLiteStore) CanonicalRecords(ctx context.Context) (map[string]audit.ChannelRecord, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Records(), nil
}

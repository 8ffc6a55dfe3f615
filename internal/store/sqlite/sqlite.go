package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spknetwork/spkpin/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for
// in-memory.

type DB struct {
	db *sql.DB
}

func init() {
	store.Register("sqlite", func(cfg store.Config) (store.Store, error) {
		return New(cfg.DSN)
	})
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS managed_pins(
			cid TEXT PRIMARY KEY,
			sources TEXT NOT NULL,
			pinned_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS status_snapshot(
			id INTEGER PRIMARY KEY CHECK (id = 1),
			running BOOLEAN NOT NULL,
			registered BOOLEAN NOT NULL,
			node_id TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SaveManagedPin(ctx context.Context, pin store.ManagedPin) error {
	pinnedAt := pin.PinnedAt
	if pinnedAt.IsZero() {
		pinnedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managed_pins(cid, sources, pinned_at)
		VALUES(?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			sources=excluded.sources,
			pinned_at=excluded.pinned_at;`,
		pin.CID, strings.Join(pin.Sources, ","), pinnedAt.UTC())
	return err
}

func (s *DB) DeleteManagedPin(ctx context.Context, cid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM managed_pins WHERE cid=?;`, cid)
	return err
}

func (s *DB) ListManagedPins(ctx context.Context) ([]store.ManagedPin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cid, sources, pinned_at FROM managed_pins ORDER BY cid;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.ManagedPin, 0)
	for rows.Next() {
		var p store.ManagedPin
		var sources string
		if err := rows.Scan(&p.CID, &sources, &p.PinnedAt); err != nil {
			return nil, err
		}
		if sources != "" {
			p.Sources = strings.Split(sources, ",")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_snapshot(id, running, registered, node_id, updated_at)
		VALUES(1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			running=excluded.running,
			registered=excluded.registered,
			node_id=excluded.node_id,
			updated_at=excluded.updated_at;`,
		snap.Running, snap.Registered, snap.NodeID, updatedAt.UTC())
	return err
}

func (s *DB) LoadSnapshot(ctx context.Context, maxAge time.Duration) (store.Snapshot, error) {
	var snap store.Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT running, registered, node_id, updated_at FROM status_snapshot WHERE id=1;`).
		Scan(&snap.Running, &snap.Registered, &snap.NodeID, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	if maxAge > 0 && time.Since(snap.UpdatedAt) > maxAge {
		return store.Snapshot{}, store.ErrSnapshotStale
	}
	return snap, nil
}

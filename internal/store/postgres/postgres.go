package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/spknetwork/spkpin/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib adapter.

type DB struct {
	db *sql.DB
}

func init() {
	builder := func(cfg store.Config) (store.Store, error) {
		return New(cfg.DSN)
	}
	store.Register("postgres", builder)
	store.Register("postgresql", builder)
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS managed_pins(
			cid TEXT PRIMARY KEY,
			sources TEXT NOT NULL,
			pinned_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS status_snapshot(
			id INT PRIMARY KEY CHECK (id = 1),
			running BOOLEAN NOT NULL,
			registered BOOLEAN NOT NULL,
			node_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SaveManagedPin(ctx context.Context, pin store.ManagedPin) error {
	pinnedAt := pin.PinnedAt
	if pinnedAt.IsZero() {
		pinnedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO managed_pins(cid, sources, pinned_at)
		VALUES($1, $2, $3)
		ON CONFLICT(cid) DO UPDATE SET
			sources=excluded.sources,
			pinned_at=excluded.pinned_at`,
		pin.CID, strings.Join(pin.Sources, ","), pinnedAt.UTC())
	return err
}

func (p *DB) DeleteManagedPin(ctx context.Context, cid string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM managed_pins WHERE cid=$1`, cid)
	return err
}

func (p *DB) ListManagedPins(ctx context.Context) ([]store.ManagedPin, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT cid, sources, pinned_at FROM managed_pins ORDER BY cid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.ManagedPin, 0)
	for rows.Next() {
		var mp store.ManagedPin
		var sources string
		if err := rows.Scan(&mp.CID, &sources, &mp.PinnedAt); err != nil {
			return nil, err
		}
		if sources != "" {
			mp.Sources = strings.Split(sources, ",")
		}
		out = append(out, mp)
	}
	return out, rows.Err()
}

func (p *DB) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO status_snapshot(id, running, registered, node_id, updated_at)
		VALUES(1, $1, $2, $3, $4)
		ON CONFLICT(id) DO UPDATE SET
			running=excluded.running,
			registered=excluded.registered,
			node_id=excluded.node_id,
			updated_at=excluded.updated_at`,
		snap.Running, snap.Registered, snap.NodeID, updatedAt.UTC())
	return err
}

func (p *DB) LoadSnapshot(ctx context.Context, maxAge time.Duration) (store.Snapshot, error) {
	var snap store.Snapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT running, registered, node_id, updated_at FROM status_snapshot WHERE id=1`).
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

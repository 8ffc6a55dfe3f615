package store

import (
	"context"
	"errors"
	"time"
)

// ManagedPin records one CID this node pinned under contract, with the
// contract ids that required it. This is the explicit ownership record that
// separates our pins from anything else pinned in the local IPFS node; the
// reconciliation engine reloads it at startup.
type ManagedPin struct {
	CID      string
	Sources  []string
	PinnedAt time.Time
}

// Snapshot is the small cached status written for the UI layer: whether the
// node was running, its last-known network registration, and when this was
// derived. It is a cache with a freshness window, never a source of truth.
type Snapshot struct {
	Running    bool
	Registered bool
	NodeID     string
	UpdatedAt  time.Time
}

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = errors.New("store: not found")

// ErrSnapshotStale is returned by LoadSnapshot when the stored snapshot is
// older than the freshness window; callers must re-derive instead of trust.
var ErrSnapshotStale = errors.New("store: snapshot stale")

// Store persists the managed-pin set and the status snapshot.
type Store interface {
	EnsureSchema(ctx context.Context) error
	SaveManagedPin(ctx context.Context, pin ManagedPin) error
	DeleteManagedPin(ctx context.Context, cid string) error
	ListManagedPins(ctx context.Context) ([]ManagedPin, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns ErrSnapshotStale when the stored snapshot is older
	// than maxAge, and ErrNotFound when none was ever written.
	LoadSnapshot(ctx context.Context, maxAge time.Duration) (Snapshot, error)
	Close() error
}

package store

import (
	"context"
	"testing"
	"time"
)

type nopStore struct{}

func (nopStore) EnsureSchema(context.Context) error                    { return nil }
func (nopStore) SaveManagedPin(context.Context, ManagedPin) error      { return nil }
func (nopStore) DeleteManagedPin(context.Context, string) error        { return nil }
func (nopStore) ListManagedPins(context.Context) ([]ManagedPin, error) { return nil, nil }
func (nopStore) SaveSnapshot(context.Context, Snapshot) error          { return nil }
func (nopStore) LoadSnapshot(context.Context, time.Duration) (Snapshot, error) {
	return Snapshot{}, ErrNotFound
}
func (nopStore) Close() error { return nil }

func TestFactoryRegisterAndOpen(t *testing.T) {
	Register("nop", func(Config) (Store, error) { return nopStore{}, nil })

	s, err := Open(Config{Type: "nop"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s == nil {
		t.Fatal("nil store")
	}

	if _, err := Open(Config{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown type")
	}

	found := false
	for _, typ := range SupportedTypes() {
		if typ == "nop" {
			found = true
		}
	}
	if !found {
		t.Fatalf("nop missing from supported types: %v", SupportedTypes())
	}
}

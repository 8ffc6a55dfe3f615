package contract

import "testing"

func TestRegistryUpsertReplaces(t *testing.T) {
	r := NewRegistry()
	r.Upsert([]Contract{{ID: "c1", Owner: "alice", ContentRefs: []string{cidV0, cidV1}}})
	// Full snapshot replace: the second upsert drops cidV1.
	r.Upsert([]Contract{{ID: "c1", Owner: "alice", ContentRefs: []string{cidV0}}})

	req := r.RequiredCIDs()
	if len(req) != 1 {
		t.Fatalf("expected 1 required cid after replace, got %d", len(req))
	}
	if _, ok := req[cidV0]; !ok {
		t.Fatalf("expected %s in required set", cidV0)
	}
}

func TestRegistryRemoveMissing(t *testing.T) {
	r := NewRegistry()
	r.Upsert([]Contract{
		{ID: "c1", ContentRefs: []string{cidV0}},
		{ID: "c2", ContentRefs: []string{cidV1}},
	})
	removed := r.RemoveMissing(map[string]struct{}{"c1": {}})
	if len(removed) != 1 || removed[0] != "c2" {
		t.Fatalf("expected c2 removed, got %v", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 contract left, got %d", r.Len())
	}
	if _, ok := r.Get("c2"); ok {
		t.Fatal("c2 should be gone")
	}
}

func TestRegistrySourceContracts(t *testing.T) {
	r := NewRegistry()
	r.Upsert([]Contract{
		{ID: "c1", ContentRefs: []string{cidV0}},
		{ID: "c2", ContentRefs: []string{cidV0, cidV1}},
	})
	src := r.SourceContracts(cidV0)
	if len(src) != 2 {
		t.Fatalf("expected 2 source contracts, got %v", src)
	}
	src = r.SourceContracts(cidV1)
	if len(src) != 1 {
		t.Fatalf("expected 1 source contract, got %v", src)
	}
}

func TestRegistryIgnoresEmptyID(t *testing.T) {
	r := NewRegistry()
	r.Upsert([]Contract{{ID: "", ContentRefs: []string{cidV0}}})
	if r.Len() != 0 {
		t.Fatalf("contract without id must not be indexed, len=%d", r.Len())
	}
}

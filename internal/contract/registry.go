package contract

import "sync"

// Registry is the in-memory index of known contracts keyed by id.
// It performs no I/O; the reconciliation engine is its sole writer.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Upsert replaces each contract wholesale (directory fetches return full
// snapshots, so last-write-wins, never a field merge).
func (r *Registry) Upsert(cs []Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cs {
		if c.ID == "" {
			continue
		}
		r.contracts[c.ID] = c
	}
}

// RemoveMissing deletes every entry whose id is absent from seen. Used to
// prune expired/removed contracts after a successful fetch.
func (r *Registry) RemoveMissing(seen map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id := range r.contracts {
		if _, ok := seen[id]; !ok {
			delete(r.contracts, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// RequiredCIDs returns the union of content refs across all contracts.
func (r *Registry) RequiredCIDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{})
	for _, c := range r.contracts {
		for _, cid := range c.ContentRefs {
			out[cid] = struct{}{}
		}
	}
	return out
}

// SourceContracts returns the ids of contracts referencing cid.
func (r *Registry) SourceContracts(cid string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{})
	for id, c := range r.contracts {
		for _, ref := range c.ContentRefs {
			if ref == cid {
				out[id] = struct{}{}
				break
			}
		}
	}
	return out
}

// Get returns the contract with the given id.
func (r *Registry) Get(id string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	return c, ok
}

// Len returns the number of contracts currently indexed.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// All returns a copy of every contract in the registry.
func (r *Registry) All() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	return out
}

package contract

import (
	"encoding/json"
	"sort"
	"strings"
)

// RawContract is the tolerant wire form of a contract as returned by the
// directory gateway. Content references may appear in any of three places
// depending on contract age and type; Extract resolves them.
type RawContract struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	SizeBytes    int64           `json:"size_bytes"`
	ExpiryHeight int64           `json:"expiry_height"`
	CID          string          `json:"cid"`   // direct reference field
	Files        json.RawMessage `json:"files"` // list of CIDs or map cid->size
	Meta         string          `json:"meta"`  // delimited string field
}

// Strategy extracts candidate content references from a raw contract body.
// Strategies are pure and may return unvalidated strings.
type Strategy func(RawContract) []string

// Strategies is the fixed extraction order: direct field, then file list,
// then delimited meta string. The first strategy yielding a non-empty result
// wins for a given contract.
var Strategies = []Strategy{
	extractDirect,
	extractFiles,
	extractMeta,
}

func extractDirect(rc RawContract) []string {
	if strings.TrimSpace(rc.CID) == "" {
		return nil
	}
	return []string{strings.TrimSpace(rc.CID)}
}

// extractFiles accepts either a JSON array of CID strings or an object whose
// keys are CIDs (values are per-file sizes on newer contracts).
func extractFiles(rc RawContract) []string {
	if len(rc.Files) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(rc.Files, &list); err == nil {
		return list
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rc.Files, &m); err == nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys) // map order is random; keep extraction deterministic
		return keys
	}
	return nil
}

func extractMeta(rc RawContract) []string {
	s := strings.TrimSpace(rc.Meta)
	if s == "" {
		return nil
	}
	sep := ","
	if strings.Contains(s, "|") {
		sep = "|"
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Extract builds a Contract from a raw body. Invalid refs are dropped and
// returned separately so the caller can surface them; the contract itself is
// always produced, possibly with zero refs.
func Extract(rc RawContract) (Contract, []string) {
	var refs []string
	for _, s := range Strategies {
		if got := s(rc); len(got) > 0 {
			refs = got
			break
		}
	}
	var valid []string
	var invalid []string
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		if IsValidCID(r) {
			valid = append(valid, r)
		} else {
			invalid = append(invalid, r)
		}
	}
	return Contract{
		ID:           rc.ID,
		Owner:        rc.Owner,
		SizeBytes:    rc.SizeBytes,
		ExpiryHeight: rc.ExpiryHeight,
		ContentRefs:  valid,
	}, invalid
}

package contract

import "strings"

// Contract is one storage commitment assigned to this node. ContentRefs is
// the ordered, deduplicated set of CIDs the contract obliges us to pin,
// already validated by IsValidCID.
type Contract struct {
	ID           string   `json:"id"`
	Owner        string   `json:"owner"`
	SizeBytes    int64    `json:"size_bytes"`
	ExpiryHeight int64    `json:"expiry_height"`
	ContentRefs  []string `json:"content_refs"`
}

// IsValidCID reports whether s is syntactically a content identifier.
// Accepted forms are CIDv0 (base58btc, "Qm" + 44 chars) and CIDv1
// (lowercase base32, "b" prefix, 59+ chars as produced by raw/dag-pb
// sha2-256 encodings). This is a format check only; resolvability is not
// verified.
func IsValidCID(s string) bool {
	if len(s) == 46 && strings.HasPrefix(s, "Qm") {
		for _, r := range s[2:] {
			if !isBase58(r) {
				return false
			}
		}
		return true
	}
	if len(s) >= 59 && s[0] == 'b' {
		for _, r := range s[1:] {
			if !isBase32(r) {
				return false
			}
		}
		return true
	}
	return false
}

func isBase58(r rune) bool {
	switch {
	case r >= '1' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return r != 'I' && r != 'O'
	case r >= 'a' && r <= 'z':
		return r != 'l'
	default:
		return false
	}
}

func isBase32(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '2' && r <= '7')
}

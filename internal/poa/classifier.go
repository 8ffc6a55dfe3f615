package poa

import "strings"

// readinessPhrases are the known lines the POA binary prints once it has
// finished initializing. Matched case-insensitively as substrings.
var readinessPhrases = []string{
	"proof of access validation node running",
	"connected to ipfs",
	"validator started",
	"storage node started",
}

// IsReadinessLine reports whether line signals the process is ready.
func IsReadinessLine(line string) bool {
	l := strings.ToLower(line)
	for _, p := range readinessPhrases {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

// contractPhrases mark output announcing contract activity on the chain; a
// match triggers an out-of-band reconciliation.
var contractPhrases = []string{
	"contract registered",
	"storage contract",
	"new contract",
}

// IsContractLine reports whether line announces contract activity.
func IsContractLine(line string) bool {
	l := strings.ToLower(line)
	for _, p := range contractPhrases {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

// Classify tags one output line for event consumers. The first matching
// category wins; errors dominate since they may mention any subsystem.
func Classify(line string) string {
	l := strings.ToLower(line)
	switch {
	case containsAny(l, "error", "fatal", "panic", "failed"):
		return "error"
	case containsAny(l, "validation", "proof", "verify", "challenge"):
		return "validation"
	case containsAny(l, "contract", "pin", "storage"):
		return "storage"
	case containsAny(l, "connect", "peer", "websocket", "ipfs"):
		return "connection"
	default:
		return "info"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package history

import (
	"context"
	"time"
)

// CycleEvent is one reconciliation cycle flattened for export to external
// analytics/statistics systems.
type CycleEvent struct {
	OccurredAt    time.Time `json:"occurred_at"`
	Outcome       string    `json:"outcome"` // ok | partial | failed
	ContractsSeen int       `json:"contracts_seen"`
	RequiredCids  int       `json:"required_cids"`
	NewPins       int       `json:"new_pins"`
	RemovedPins   int       `json:"removed_pins"`
	Failures      int       `json:"failures"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
}

// Sink is a destination for cycle history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e CycleEvent) error
}

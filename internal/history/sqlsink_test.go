package history

import (
	"context"
	"testing"
	"time"
)

func TestSQLSinkSQLiteAppends(t *testing.T) {
	sink, err := NewSQLSinkFromDSN(":memory:")
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	e := CycleEvent{
		OccurredAt:    time.Now().UTC(),
		Outcome:       "ok",
		ContractsSeen: 3,
		RequiredCids:  5,
		NewPins:       2,
		RemovedPins:   1,
		Failures:      0,
		DurationMs:    120,
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}
	e.Outcome = "failed"
	e.Error = "directory fetch failed"
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send failed event: %v", err)
	}

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM cycle_history;`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var outcome string
	var errStr *string
	if err := sink.db.QueryRow(`SELECT outcome, error FROM cycle_history ORDER BY id DESC LIMIT 1;`).Scan(&outcome, &errStr); err != nil {
		t.Fatalf("select: %v", err)
	}
	if outcome != "failed" || errStr == nil || *errStr != "directory fetch failed" {
		t.Fatalf("unexpected row: outcome=%q err=%v", outcome, errStr)
	}
}

func TestSQLSinkEmptyDSN(t *testing.T) {
	if _, err := NewSQLSinkFromDSN("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

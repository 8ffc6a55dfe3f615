package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/spknetwork/spkpin/internal/history"
)

// Sink sends cycle events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Config selects the ClickHouse endpoint and target table. Empty auth
// fields fall back to the server defaults.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "spkpin_cycle_history"

func New(cfg Config) (*Sink, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{
		conn:  conn,
		table: cfg.Table,
	}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.CycleEvent) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, outcome, contracts_seen, required_cids, new_pins, removed_pins, failures, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		e.Outcome,
		uint32(e.ContractsSeen),
		uint32(e.RequiredCids),
		uint32(e.NewPins),
		uint32(e.RemovedPins),
		uint32(e.Failures),
		uint64(e.DurationMs),
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle event: %w", err)
	}
	return nil
}

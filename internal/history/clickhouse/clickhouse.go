package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tierd/internal/history"
)

// DefaultTable receives transitions when the DSN names none.
const DefaultTable = "service_transitions"

// Options locate the ClickHouse server and target table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects with the default database and user.
func New(addr, table string) (*Sink, error) {
	return Open(Options{Addr: addr, Table: table})
}

func Open(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: o.Table}, nil
}

// EnsureSchema creates the target table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(3),
		run_id String,
		service String,
		from_state LowCardinality(String),
		to_state LowCardinality(String),
		cause Nullable(String),
		pid Int32,
		attempts UInt32
	) ENGINE = MergeTree() ORDER BY (service, occurred_at)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, run_id, service, from_state, to_state, cause, pid, attempts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var cause *string
	if e.Cause != "" {
		cause = &e.Cause
	}
	err := s.conn.Exec(ctx, query,
		e.OccurredAt.UTC(),
		e.RunID,
		e.Service,
		e.From,
		e.To,
		cause,
		int32(e.PID),
		uint32(e.Attempts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}

	return nil
}

package clickhouse

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/privspawn/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type LowCardinality(String),
			occurred_at DateTime64(6),
			run_id String,
			name String,
			path String,
			pid Int64,
			mode LowCardinality(String),
			uid Int64,
			gid Int64,
			groups String,
			setsid Bool,
			started_at DateTime64(6),
			stopped_at Nullable(DateTime64(6)),
			kind String,
			exit_code Int32,
			signal Int32,
			stage String,
			errno String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, run_id)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Run
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, run_id, name, path, pid, mode, uid, gid, groups, setsid, started_at, stopped_at, kind, exit_code, signal, stage, errno) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.ID,
		r.Name,
		r.Path,
		r.PID,
		r.Mode,
		history.IDOrUnset(r.UID),
		history.IDOrUnset(r.GID),
		history.JoinGroups(r.Groups),
		r.Setsid,
		r.StartedAt,
		sql.NullTime{Time: r.StoppedAt, Valid: !r.StoppedAt.IsZero()},
		r.Kind,
		r.ExitCode,
		r.Signal,
		r.Stage,
		r.Errno,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of events stored for a run id.
func (s *Sink) Count(ctx context.Context, runID string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE run_id = ?", s.table), runID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

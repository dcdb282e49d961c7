package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/privspawn/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared between calls.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS spawn_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		type TEXT NOT NULL,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		pid INTEGER NOT NULL,
		mode TEXT NOT NULL,
		uid INTEGER,
		gid INTEGER,
		groups TEXT NOT NULL,
		setsid INTEGER NOT NULL,
		kind TEXT,
		exit_code INTEGER,
		signal INTEGER,
		stage TEXT,
		errno TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Run
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spawn_history(timestamp, type, run_id, name, path, pid, mode, uid, gid, groups, setsid, kind, exit_code, signal, stage, errno)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), r.ID, r.Name, r.Path, r.PID, r.Mode,
		nullID(r.UID), nullID(r.GID), history.JoinGroups(r.Groups), r.Setsid,
		nullString(r.Kind), r.ExitCode, r.Signal, nullString(r.Stage), nullString(r.Errno))
	return err
}

// Count returns the number of events stored for a run id.
func (s *Sink) Count(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spawn_history WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullID(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

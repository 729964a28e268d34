package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"punchsync/internal/punch"
)

// Store persists punches in PostgreSQL. The punches table is append-only from
// the engine's point of view; re-ingestion of a known remote id is a no-op.
//
// Expected schema:
//
//	CREATE TABLE punches (
//	    remote_id     TEXT PRIMARY KEY,
//	    employee_code TEXT NOT NULL,
//	    punched_at    TIMESTAMPTZ NOT NULL,
//	    direction     TEXT NOT NULL,
//	    device_id     TEXT NOT NULL DEFAULT '',
//	    location      TEXT NOT NULL DEFAULT ''
//	);
//	CREATE INDEX idx_punches_punched_at ON punches (punched_at);
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver and pings the database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

func (s *Store) Count(ctx context.Context, w punch.Window) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM punches WHERE punched_at >= $1 AND punched_at < $2`,
		w.Start, w.End,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count punches: %w", err)
	}
	return count, nil
}

// Upsert batch-inserts with unnest for O(1) round trips instead of O(n).
// ON CONFLICT DO NOTHING keeps re-ingestion idempotent.
func (s *Store) Upsert(ctx context.Context, records []punch.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(records))
	codes := make([]string, 0, len(records))
	times := make([]time.Time, 0, len(records))
	directions := make([]string, 0, len(records))
	devices := make([]string, 0, len(records))
	locations := make([]string, 0, len(records))
	for _, r := range records {
		if r.RemoteID == "" {
			continue
		}
		ids = append(ids, r.RemoteID)
		codes = append(codes, r.EmployeeCode)
		times = append(times, r.PunchedAt)
		directions = append(directions, string(r.Direction))
		devices = append(devices, r.DeviceID)
		locations = append(locations, r.Location)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO punches (remote_id, employee_code, punched_at, direction, device_id, location)
		SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::text[], $5::text[], $6::text[])
		ON CONFLICT (remote_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(codes), pq.Array(times),
		pq.Array(directions), pq.Array(devices), pq.Array(locations),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert punches batch: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert punches rows affected: %w", err)
	}
	return int(written), nil
}

func (s *Store) LastPunchTime(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(punched_at) FROM punches`).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last punch time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

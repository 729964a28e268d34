package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"punchsync/internal/punch"
)

// Store is a SQLite-backed punch store for embedded deployments where the
// engine runs next to the terminal network without a database server. Opened
// with WAL mode so reads don't block the puller's writes.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS punches (
		remote_id     TEXT PRIMARY KEY,
		employee_code TEXT NOT NULL,
		punched_at    TIMESTAMP NOT NULL,
		direction     TEXT NOT NULL,
		device_id     TEXT NOT NULL DEFAULT '',
		location      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_punches_punched_at ON punches (punched_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Count(ctx context.Context, w punch.Window) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM punches WHERE punched_at >= ? AND punched_at < ?`,
		w.Start.UTC(), w.End.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count punches: %w", err)
	}
	return count, nil
}

func (s *Store) Upsert(ctx context.Context, records []punch.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO punches (remote_id, employee_code, punched_at, direction, device_id, location)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (remote_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, r := range records {
		if r.RemoteID == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, r.RemoteID, r.EmployeeCode, r.PunchedAt.UTC(),
			string(r.Direction), r.DeviceID, r.Location)
		if err != nil {
			return 0, fmt.Errorf("upsert punch %s: %w", r.RemoteID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return written, nil
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

// Package store keeps the history of probe reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/cloak/probe"
)

// ErrNotFound is returned by Get for an unknown report ID.
var ErrNotFound = errors.New("store: report not found")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	driver     TEXT NOT NULL,
	target     TEXT NOT NULL,
	digest     TEXT NOT NULL DEFAULT '',
	passed     INTEGER NOT NULL,
	failures   INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_created_at ON reports(created_at DESC);
`

// Store persists probe reports.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the report database at path.
// ":memory:" gives a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := openDB(path, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores rep, assigning a UUIDv7 ID when it has none.
func (s *Store) Save(ctx context.Context, rep *probe.Report) error {
	if rep.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: id: %w", err)
		}
		rep.ID = id.String()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	_, err = execRetry(ctx, s.db,
		`INSERT INTO reports (id, driver, target, digest, passed, failures, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.Driver, rep.Target, rep.Digest, rep.Passed(), len(rep.Failures()),
		string(body), rep.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	return nil
}

// Get returns the report with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*probe.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return decode(body)
}

// List returns up to limit reports, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]*probe.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*probe.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		rep, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Counts returns the number of stored reports and how many passed.
func (s *Store) Counts(ctx context.Context) (total, passed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(passed), 0) FROM reports`).Scan(&total, &passed)
	if err != nil {
		return 0, 0, fmt.Errorf("store: counts: %w", err)
	}
	return total, passed, nil
}

func decode(body string) (*probe.Report, error) {
	var rep probe.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	return &rep, nil
}

package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. Suited to
// single-node deployments where the orchestrator owns its own state file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent runners.
	db.SetMaxOpenConns(1)

	const ddl = `
CREATE TABLE IF NOT EXISTS delta_watermarks (
  table_id TEXT PRIMARY KEY,
  marker TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tableID string) (*Watermark, error) {
	var marker, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT marker, updated_at FROM delta_watermarks WHERE table_id=?`,
		tableID).Scan(&marker, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapUnavailable(err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		ts = time.Time{}
	}
	return &Watermark{TableID: tableID, Marker: marker, UpdatedAt: ts}, nil
}

func (s *SQLiteStore) CompareAndAdvance(ctx context.Context, tableID, expected, next string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`UPDATE delta_watermarks SET marker=?, updated_at=? WHERE table_id=? AND marker=?`,
		next, now, tableID, expected)
	if err != nil {
		return wrapUnavailable(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	res, err = s.db.ExecContext(ctx,
		`INSERT INTO delta_watermarks (table_id, marker, updated_at) VALUES (?, ?, ?) ON CONFLICT (table_id) DO NOTHING`,
		tableID, next, now)
	if err != nil {
		return wrapUnavailable(err)
	}
	affected, _ = res.RowsAffected()
	if affected == 1 {
		return nil
	}

	var found string
	if err := s.db.QueryRowContext(ctx,
		`SELECT marker FROM delta_watermarks WHERE table_id=?`, tableID).Scan(&found); err != nil {
		return wrapUnavailable(fmt.Errorf("conflict probe for %s: %w", tableID, err))
	}
	return NewConflict(tableID, expected, found)
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by Postgres. The conditional UPDATE
// keyed on the current marker provides the compare-and-advance atomicity;
// no external locking is involved.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using DELTA_DATABASE_URL (or DATABASE_URL) and
// ensures the schema exists.
func NewPostgresStore() (*PostgresStore, error) {
	dsn := os.Getenv("DELTA_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("DELTA_DATABASE_URL/DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresStoreWithDB(db)
}

// NewPostgresStoreWithDB reuses an existing *sql.DB.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := ensureTable(db); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func ensureTable(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS delta_watermarks (
  table_id text PRIMARY KEY,
  marker text NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tableID string) (*Watermark, error) {
	var wm Watermark
	err := s.db.QueryRowContext(ctx,
		`SELECT marker, updated_at FROM delta_watermarks WHERE table_id=$1`,
		tableID).Scan(&wm.Marker, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapUnavailable(err)
	}
	wm.TableID = tableID
	return &wm, nil
}

func (s *PostgresStore) CompareAndAdvance(ctx context.Context, tableID, expected, next string) error {
	// Conditional UPDATE first: zero rows affected means either the row is
	// missing or another run advanced past expected.
	res, err := s.db.ExecContext(ctx,
		`UPDATE delta_watermarks SET marker=$1, updated_at=now() WHERE table_id=$2 AND marker=$3`,
		next, tableID, expected)
	if err != nil {
		return wrapUnavailable(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	// Missing row: first advance for this table. ON CONFLICT DO NOTHING
	// keeps a racing insert from double-advancing.
	res, err = s.db.ExecContext(ctx,
		`INSERT INTO delta_watermarks (table_id, marker) VALUES ($1, $2) ON CONFLICT (table_id) DO NOTHING`,
		tableID, next)
	if err != nil {
		return wrapUnavailable(err)
	}
	affected, _ = res.RowsAffected()
	if affected == 1 {
		return nil
	}

	var found string
	if err := s.db.QueryRowContext(ctx,
		`SELECT marker FROM delta_watermarks WHERE table_id=$1`, tableID).Scan(&found); err != nil {
		return wrapUnavailable(fmt.Errorf("conflict probe for %s: %w", tableID, err))
	}
	return NewConflict(tableID, expected, found)
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

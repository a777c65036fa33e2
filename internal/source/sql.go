package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"
)

// identPattern restricts table and column identifiers interpolated into
// query text. Marker values always travel as bind parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.$]*$`)

// SQLConfig configures a generic SQL extraction source.
type SQLConfig struct {
	// Driver is a registered database/sql driver: "pgx" or "mysql".
	Driver string
	// DSN is the driver connection string.
	DSN string
	// RateLimit caps fetch pages per second; zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter burst size (default 1 when limiting).
	RateBurst int
}

// SQL extracts delta pages from any database/sql backend. The query shape is
// vendor-neutral: rows past the marker, ordered by the marker column, one
// page at a time.
type SQL struct {
	db      *sql.DB
	driver  string
	limiter *rate.Limiter
}

// NewSQL opens a pooled connection for the given driver.
func NewSQL(cfg SQLConfig) (*SQL, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("driver and dsn are required")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &SQL{db: db, driver: cfg.Driver, limiter: limiter}, nil
}

// NewSQLWithDB reuses an existing *sql.DB (tests, shared pools).
func NewSQLWithDB(db *sql.DB, driver string) *SQL {
	return &SQL{db: db, driver: driver}
}

func (s *SQL) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Fetch returns one page of rows where the marker column exceeds
// AfterMarker. HasMore is derived by requesting one row beyond the page.
func (s *SQL) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if req == nil {
		return nil, wrapError(false, fmt.Errorf("request is required"))
	}
	if !identPattern.MatchString(req.TableID) {
		return nil, wrapError(false, fmt.Errorf("invalid table identifier %q", req.TableID))
	}
	if !identPattern.MatchString(req.MarkerColumn) {
		return nil, wrapError(false, fmt.Errorf("invalid marker column %q", req.MarkerColumn))
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > %s ORDER BY %s LIMIT %d",
		req.TableID, req.MarkerColumn, s.placeholder(1), req.MarkerColumn, pageSize+1)

	rows, err := s.db.QueryContext(ctx, query, req.AfterMarker)
	if err != nil {
		return nil, wrapError(true, fmt.Errorf("fetch %s: %w", req.TableID, err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, wrapError(true, fmt.Errorf("columns for %s: %w", req.TableID, err))
	}

	result := &FetchResult{}
	for rows.Next() {
		if len(result.Rows) == pageSize {
			result.HasMore = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapError(true, fmt.Errorf("scan %s: %w", req.TableID, err))
		}

		record := make(Record, len(cols))
		for i, col := range cols {
			record[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, record)

		if marker := markerString(record[req.MarkerColumn]); marker > result.MaxMarker {
			result.MaxMarker = marker
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(true, fmt.Errorf("iterate %s: %w", req.TableID, err))
	}
	return result, nil
}

// placeholder renders the driver's bind-parameter syntax.
func (s *SQL) placeholder(n int) string {
	if s.driver == "pgx" || s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// normalizeValue converts driver byte slices to strings for JSON-friendly
// records.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// markerTimeFormat is fixed width: RFC3339Nano trims trailing fractional
// zeros, which makes "…01.5Z" sort below "…01Z" and breaks lexical marker
// comparison.
const markerTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// markerString renders a marker value for ordered comparison. Timestamps use
// a fixed-width UTC form so lexical order matches chronological order.
func markerString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(markerTimeFormat)
	case string:
		return t
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Package legacy provides read-only access to the superseded relational
// schema. The pipeline never writes through this package; the source database
// should be opened with read-only credentials.
package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Column describes one legacy column as reported by the source driver.
type Column struct {
	Name string
	Type string
}

// Reader executes ad hoc queries against the legacy source. Any connectivity
// or query error is returned to the caller and aborts the running stage; it is
// never swallowed.
type Reader struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to the legacy source. Driver is "pgx" or "sqlite".
func Open(driver, dsn string, timeout time.Duration) (*Reader, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy source: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping legacy source: %w", err)
	}
	return &Reader{db: db, timeout: timeout}, nil
}

// NewReader wraps an already-open handle. Used by tests and by deployments
// that manage the connection themselves.
func NewReader(db *sql.DB, timeout time.Duration) *Reader {
	return &Reader{db: db, timeout: timeout}
}

// Close releases the underlying connection.
func (r *Reader) Close() error { return r.db.Close() }

func (r *Reader) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Query runs the statement and materializes every row as a Record tagged with
// table. Placeholder style follows the configured driver.
func (r *Reader) Query(ctx context.Context, table, query string, args ...any) ([]Record, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("legacy query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("legacy columns %s: %w", table, err)
	}
	var out []Record
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("legacy scan %s: %w", table, err)
		}
		values := make(map[string]any, len(cols))
		for i, c := range cols {
			values[c] = raw[i]
		}
		out = append(out, Record{Table: table, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("legacy iterate %s: %w", table, err)
	}
	return out, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid legacy identifier %q", name)
	}
	return nil
}

// All reads every row of a table, ordered by the given id column so re-runs
// see rows in a stable order.
func (r *Reader) All(ctx context.Context, table, orderBy string) ([]Record, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	if err := checkIdent(orderBy); err != nil {
		return nil, err
	}
	return r.Query(ctx, table, fmt.Sprintf("SELECT * FROM %s ORDER BY %s", table, orderBy))
}

// Count returns the number of rows in a table.
func (r *Reader) Count(ctx context.Context, table string) (int64, error) {
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	var n int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("legacy count %s: %w", table, err)
	}
	return n, nil
}

// Describe reports the ordered column set of a table as seen by the driver.
func (r *Reader) Describe(ctx context.Context, table string) ([]Column, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table))
	if err != nil {
		return nil, fmt.Errorf("legacy describe %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("legacy column types %s: %w", table, err)
	}
	out := make([]Column, 0, len(types))
	for _, t := range types {
		out = append(out, Column{Name: t.Name(), Type: t.DatabaseTypeName()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("legacy describe %s: %w", table, err)
	}
	return out, nil
}

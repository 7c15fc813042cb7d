// Package target provides access to the canonical store and the idempotent
// upsert primitive every stage writes through. The same schema is served to
// the record-keeping API, so the pipeline honors the same uniqueness and
// foreign-key invariants.
package target

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Dialect selects placeholder style for the configured driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Querier is satisfied by *sql.DB and *sql.Tx; stage bodies run against the
// transaction, operator tooling against the bare handle.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the canonical database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

// Open connects to the target store and applies the schema DDL idempotently.
// Driver is "pgx" or "sqlite".
func Open(driver, dsn string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open target store: %w", err)
	}
	dialect := DialectSQLite
	if driver == "pgx" {
		dialect = DialectPostgres
	}
	s := &Store{db: db, dialect: dialect, timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping target store: %w", err)
	}
	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Begin opens the transaction that wraps one stage body.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin target tx: %w", err)
	}
	return tx, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaDDL) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Rebind rewrites ? placeholders into the dialect's native style. Statements
// in this package are written with ? and rebound on the way out.
func (s *Store) Rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

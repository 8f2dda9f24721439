// Package sqlstore implements store.MessageStore on top of
// database/sql, against either Postgres (via the pgx stdlib driver)
// or an embedded/local sqlite3 database, selected at Open time from
// the DSN's scheme. This mirrors the reference system's relational
// backing, keyed by TURSO_DB_URL
// accepting a Postgres URL, ":memory:", or "file:<path>".
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/felipemaragno/doneq/internal/clock"
)

// Dialect distinguishes the two placeholder/DDL styles this package
// supports.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store is a database/sql-backed MessageStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
}

// Open picks a dialect from dsn's scheme and opens the database.
//   - ":memory:" or "file:..." -> sqlite3 (mattn/go-sqlite3)
//   - anything else (e.g. "postgres://...", a Turso libsql URL given
//     as a bare DSN) -> Postgres wire protocol via pgx's stdlib adapter
func Open(dsn string) (*Store, error) {
	dialect := DialectPostgres
	driver := "pgx"
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		dialect = DialectSQLite
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// The outbox poller and the message store share one
		// connection so SKIP LOCKED-style claiming serializes
		// correctly against sqlite's single-writer model.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect, clock: clock.RealClock{}}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// WithClock overrides the store's clock, used by tests to pin
// created_at/updated_at.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

// DB exposes the underlying handle for components that share the same
// database (the outbox queue, the stats service, the log store).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports which SQL dialect this store was opened against.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range ddlStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}
	return nil
}

func ddlStatements(d Dialect) []string {
	jsonType := "TEXT"
	if d == DialectPostgres {
		jsonType = "TEXT"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			payload %s NOT NULL,
			publish_at TEXT,
			delivered_at TEXT,
			retry_at TEXT,
			retried INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_errors %s NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_publish_at ON messages(publish_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			object TEXT NOT NULL,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			before_data %s,
			after_data %s,
			created_at TEXT NOT NULL
		)`, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_logs_message_id ON logs(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_type ON logs(type)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS message_stats (
			date TEXT NOT NULL,
			hour INTEGER NOT NULL,
			status TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (date, hour, status)
		)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			visible_at TEXT NOT NULL,
			claimed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_visible_at ON outbox(visible_at)`,
	}
}

// placeholder returns the n-th (1-based) bind placeholder for the
// store's dialect.
func (s *Store) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Placeholder is the exported form of placeholder, for sibling
// packages (logstore, stats, outboxqueue) that share this store's
// *sql.DB and need the same bind-parameter style.
func (s *Store) Placeholder(n int) string {
	return s.placeholder(n)
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := iso(*t)
	return &v
}

func parseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseISOPtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseISO(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

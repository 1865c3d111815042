package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect identifies the SQL flavour behind a *sql.DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC layout every timestamp column uses, so
// that lexical order matches chronological order on both dialects.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC3339) column value.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NowQuery returns a statement that reads the database server's clock as a
// single TimeLayout string. SQLite resolves milliseconds and Postgres
// microseconds; both are zero-padded to nine digits.
func (d Dialect) NowQuery() string {
	if d == DialectPostgres {
		return `SELECT to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US') || '000Z';`
	}
	return `SELECT strftime('%Y-%m-%dT%H:%M:%f', 'now') || '000000Z';`
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Config selects and locates the record store.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open opens the configured database and bootstraps its schema.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", string(DialectSQLite):
		db, err := OpenSQLite(ctx, cfg.Path)
		return db, DialectSQLite, err
	case string(DialectPostgres), "postgresql", "pgx":
		db, err := OpenPostgres(ctx, cfg.DSN)
		return db, DialectPostgres, err
	default:
		return nil, "", fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func bootstrap(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", d, err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS commands (
  id            TEXT PRIMARY KEY,
  device_id     TEXT NOT NULL,
  issuer_id     TEXT NOT NULL,
  kind          TEXT NOT NULL,
  payload       TEXT NOT NULL,
  status        TEXT NOT NULL,
  result        TEXT,
  error_message TEXT,
  dedupe_key    TEXT,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL,
  executed_at   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS device_events (
  ` + seqColumn + `,
  id             TEXT NOT NULL UNIQUE,
  device_id      TEXT NOT NULL,
  kind           TEXT NOT NULL,
  subtype        TEXT NOT NULL DEFAULT '',
  correlation_id TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL,
  metadata       TEXT NOT NULL DEFAULT '{}',
  created_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS commands_device_created_at_idx ON commands(device_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS commands_device_dedupe_idx ON commands(device_id, dedupe_key, status);`,
		`CREATE INDEX IF NOT EXISTS commands_status_created_at_idx ON commands(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS device_events_lookup_idx ON device_events(device_id, kind, subtype, created_at);`,
		`CREATE INDEX IF NOT EXISTS device_events_created_at_idx ON device_events(created_at);`,
	}
}

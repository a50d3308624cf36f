// Package store persists events and institutions on database/sql. SQLite
// (modernc.org/sqlite) is the default backend; PostgreSQL (lib/pq) shares
// the same schema and queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("store: not found")

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so that TEXT comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// Open opens and pings a database for the given dialect.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is empty")
	}
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS institutions (
		institution_id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		institution_id TEXT NOT NULL,
		series_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		care_sub_type TEXT,
		care_frequency TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_institution_start ON events (institution_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS event_rooms (
		event_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (event_id, room_id)
	)`,
	`CREATE INDEX IF NOT EXISTS event_rooms_room ON event_rooms (room_id)`,
}

// SQLStore implements event and institution persistence. The *sql.DB is
// owned by the caller unless Close is used.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

// WithClock overrides the clock used for created_at/updated_at.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InstitutionName resolves an institution's display name.
func (s *SQLStore) InstitutionName(ctx context.Context, institutionID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT name FROM institutions WHERE institution_id = ?`), institutionID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// UpsertInstitution creates or renames an institution.
func (s *SQLStore) UpsertInstitution(ctx context.Context, institutionID, name string) error {
	if institutionID == "" {
		return errors.New("store: institution id is empty")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO institutions (institution_id, name) VALUES (?, ?)
		ON CONFLICT (institution_id) DO UPDATE SET name = excluded.name`),
		institutionID, name,
	)
	if err != nil {
		return fmt.Errorf("store: upsert institution: %w", err)
	}
	return nil
}

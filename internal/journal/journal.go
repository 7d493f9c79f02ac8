// Package journal keeps an append-only audit trail of call leg events in
// SQLite or PostgreSQL. It is never read back to rebuild call state.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/mediabot/internal/callleg"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store writes call events to a SQL database. It implements callleg.EventLog.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Entry is a journaled event as read back from the store.
type Entry struct {
	ID            int64             `json:"id"`
	CallLegID     string            `json:"call_leg_id"`
	CorrelationID string            `json:"correlation_id"`
	Event         callleg.EventKind `json:"event"`
	Status        string            `json:"status"`
	Detail        string            `json:"detail,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Open opens the journal named by dsn. A postgres:// or postgresql:// URL
// selects PostgreSQL; anything else is a directory for the SQLite file.
// Pending migrations are applied before Open returns.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "journal")

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openPostgres(dsn, logger)
	}
	return openSQLite(dsn, logger)
}

func openSQLite(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mediabot.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dialect: dialectSQLite, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("journal opened", "backend", "sqlite", "path", dbPath)
	return s, nil
}

func openPostgres(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, dialect: dialectPostgres, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("journal opened", "backend", "postgres")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrationsDir() string {
	if s.dialect == dialectPostgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	createTable := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`
	if s.dialect == dialectPostgres {
		createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	}
	if _, err := s.db.Exec(createTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := s.migrationsDir()
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec(s.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// Log appends one call event.
func (s *Store) Log(ctx context.Context, e callleg.EventLogEntry) error {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO call_events (call_leg_id, correlation_id, event, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.CallLegID, e.CorrelationID, string(e.Event), e.Status, e.Detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting call event: %w", err)
	}
	return nil
}

// ListByLeg returns the events of one call leg, oldest first.
func (s *Store) ListByLeg(ctx context.Context, legID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, call_leg_id, correlation_id, event, status, detail, created_at
		 FROM call_events WHERE call_leg_id = ? ORDER BY id`), legID)
	if err != nil {
		return nil, fmt.Errorf("querying call events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var event string
		if err := rows.Scan(&e.ID, &e.CallLegID, &e.CorrelationID, &event, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call event: %w", err)
		}
		e.Event = callleg.EventKind(event)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call events: %w", err)
	}
	return entries, nil
}

// EventCount is the number of journaled events of one kind and status.
type EventCount struct {
	Event  callleg.EventKind
	Status string
	Count  int64
}

// CountByEvent returns event totals grouped by kind and status.
func (s *Store) CountByEvent(ctx context.Context) ([]EventCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, status, COUNT(*) FROM call_events GROUP BY event, status ORDER BY event, status`)
	if err != nil {
		return nil, fmt.Errorf("counting call events: %w", err)
	}
	defer rows.Close()

	var counts []EventCount
	for rows.Next() {
		var c EventCount
		var event string
		if err := rows.Scan(&event, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning event count: %w", err)
		}
		c.Event = callleg.EventKind(event)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event counts: %w", err)
	}
	return counts, nil
}

// Prune deletes events recorded before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM call_events WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning call events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return n, nil
}

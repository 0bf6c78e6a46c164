package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"kptv-zap/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
)

//go:embed migrations/*.sql
var migrations embed.FS

const lastIndexKey = "last_index"

// SQLite is a Store backed by a local SQLite file.
type SQLite struct {
	db    *sql.DB
	limit int
	log   *logger.Logger
}

// OpenSQLite opens (creating if needed) the history database at path and applies the
// embedded migrations.
func OpenSQLite(path string, limit int, log *logger.Logger) (*SQLite, error) {
	if log == nil {
		log = logger.WithComponent("history", "info")
	}
	if limit <= 0 {
		limit = 5000
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// a single writer keeps WAL contention out of the append path
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{db: db, limit: limit, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Debug("{history/sqlite - OpenSQLite} history database opened at %s", path)
	return s, nil
}

// migrate runs all migration files
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g., "001_history.sql" -> 1)
		version, err := strconv.Atoi(strings.SplitN(entry.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("bad migration name %s: %w", entry.Name(), err)
		}

		var exists bool
		err = s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		s.log.Debug("{history/sqlite - migrate} applied migration: %s", entry.Name())
	}

	return nil
}

// Append records a visit and trims the log to the limit.
func (s *SQLite) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO watch_history (channel_index, channel_id, watched_at) VALUES (?, ?, ?)",
		e.Index, e.ChannelID, e.WatchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM watch_history
		WHERE id <= (SELECT id FROM watch_history ORDER BY id DESC LIMIT 1 OFFSET ?)
	`, s.limit)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return tx.Commit()
}

// Recent returns the last n entries oldest first (all of them when n <= 0).
func (s *SQLite) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = s.limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_index, channel_id, watched_at FROM (
			SELECT id, channel_index, channel_id, watched_at
			FROM watch_history ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Index, &e.ChannelID, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.WatchedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetLastIndex remembers the channel being watched.
func (s *SQLite) SetLastIndex(ctx context.Context, idx int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playback_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastIndexKey, strconv.Itoa(idx))
	if err != nil {
		return fmt.Errorf("failed to store last index: %w", err)
	}
	return nil
}

// LastIndex returns the remembered channel, if any.
func (s *SQLite) LastIndex(ctx context.Context) (int, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM playback_state WHERE key = ?", lastIndexKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load last index: %w", err)
	}
	idx, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt last index %q: %w", value, err)
	}
	return idx, true, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	s.log.Debug("{history/sqlite - Close} closing history database")
	return s.db.Close()
}

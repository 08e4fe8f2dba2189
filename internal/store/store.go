// Package store persists the installation's operational records: the
// capture index (one row per recorded PPG buffer) and end-of-run
// subsystem statistics. Backed by SQLite in the data directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dataDir/amor.db with WAL mode and
// runs the schema migration.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "amor.db")
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

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("store opened", "path", dbPath)
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	channel INTEGER NOT NULL,
	records INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS run_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subsystem TEXT NOT NULL,
	name TEXT NOT NULL,
	value INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Capture is one row of the capture index.
type Capture struct {
	ID        string    `json:"id"`
	Channel   int       `json:"channel"`
	Records   int       `json:"records"`
	Bytes     int       `json:"bytes"`
	Duration  int64     `json:"duration_ms"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertCapture records a finished recording and returns its generated
// id.
func (s *Store) InsertCapture(ctx context.Context, c Capture) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (id, channel, records, bytes, duration_ms, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Channel, c.Records, c.Bytes, c.Duration, c.Path, c.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting capture: %w", err)
	}
	return c.ID, nil
}

// ListCaptures returns the capture index, newest first.
func (s *Store) ListCaptures(ctx context.Context) ([]Capture, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, records, bytes, duration_ms, path, created_at
		 FROM captures ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.ID, &c.Channel, &c.Records, &c.Bytes, &c.Duration, &c.Path, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertRunStats persists one subsystem's counters at shutdown.
func (s *Store) InsertRunStats(ctx context.Context, subsystem string, counters map[string]uint64) error {
	now := time.Now().UTC()
	for name, value := range counters {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO run_stats (subsystem, name, value, recorded_at) VALUES (?, ?, ?, ?)`,
			subsystem, name, int64(value), now,
		); err != nil {
			return fmt.Errorf("inserting run stat %s/%s: %w", subsystem, name, err)
		}
	}
	return nil
}

// RunStat is one persisted counter.
type RunStat struct {
	Subsystem  string    `json:"subsystem"`
	Name       string    `json:"name"`
	Value      int64     `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ListRunStats returns persisted counters, newest first, up to limit.
func (s *Store) ListRunStats(ctx context.Context, limit int) ([]RunStat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT subsystem, name, value, recorded_at FROM run_stats
		 ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing run stats: %w", err)
	}
	defer rows.Close()

	var out []RunStat
	for rows.Next() {
		var r RunStat
		if err := rows.Scan(&r.Subsystem, &r.Name, &r.Value, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning run stat: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

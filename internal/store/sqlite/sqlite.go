package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/procyard/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database.
type DB struct {
	*store.SQL
}

var dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NULL,
			exit_status TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			stream TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cpu_usage REAL NOT NULL,
			memory_usage INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(session_id);`,
	},
	SizeQuery: `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
	Vacuum:    true,
}

// New opens a SQLite database at path and ensures the schema exists.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" && !strings.HasPrefix(p, "file:") {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: keeps ":memory:" coherent and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	db := &DB{SQL: store.NewSQL(d, dialect)}
	if err := db.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

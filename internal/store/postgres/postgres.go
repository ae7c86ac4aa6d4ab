package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/procyard/internal/store"
)

type DB struct {
	*store.SQL
}

var dialect = store.Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions(
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT NULL,
			exit_status TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logs(
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			stream TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics(
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			cpu_usage DOUBLE PRECISION NOT NULL,
			memory_usage BIGINT NOT NULL,
			timestamp BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session ON metrics(session_id);`,
	},
	Numbered:  true,
	SizeQuery: `SELECT pg_database_size(current_database())`,
}

// New connects through the pgx stdlib driver and ensures the schema exists.
func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetConnMaxIdleTime(5 * time.Minute)
	db := &DB{SQL: store.NewSQL(d, dialect)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect captures what differs between the supported SQL backends.
type Dialect struct {
	Name string
	// Schema statements are run in order by EnsureSchema.
	Schema []string
	// Numbered switches '?' placeholders to $1, $2, ...
	Numbered bool
	// SizeQuery returns the database size in bytes as a single integer.
	SizeQuery string
	// Vacuum reclaims space after bulk deletes.
	Vacuum bool
}

// SQL implements Store on database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, dialect: d, now: time.Now}
}

func (s *SQL) DB() *sql.DB { return s.db }

// SetClock replaces the time source used for session and cutoff timestamps.
func (s *SQL) SetClock(now func() time.Time) { s.now = now }

func (s *SQL) Dialect() string { return s.dialect.Name }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) q(query string) string {
	if !s.dialect.Numbered {
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

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) CreateSession(ctx context.Context, projectID string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (id, project_id, started_at) VALUES (?, ?, ?)`),
		id, projectID, s.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *SQL) EndSession(ctx context.Context, sessionID, exitStatus string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET ended_at = ?, exit_status = ? WHERE id = ? AND ended_at IS NULL`),
		s.now().UnixMilli(), exitStatus, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *SQL) InsertLog(ctx context.Context, sessionID, stream, data string, ts int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO logs (session_id, stream, data, timestamp) VALUES (?, ?, ?, ?)`),
		sessionID, stream, data, ts)
	return err
}

func (s *SQL) InsertMetric(ctx context.Context, sessionID string, cpu float64, memory uint64, ts int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO metrics (session_id, cpu_usage, memory_usage, timestamp) VALUES (?, ?, ?, ?)`),
		sessionID, cpu, int64(memory), ts)
	return err
}

const sessionColumns = `id, project_id, started_at, ended_at, exit_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner, extra ...any) (Session, error) {
	var (
		sess   Session
		ended  sql.NullInt64
		status sql.NullString
	)
	dest := append([]any{&sess.ID, &sess.ProjectID, &sess.StartedAt, &ended, &status}, extra...)
	if err := r.Scan(dest...); err != nil {
		return Session{}, err
	}
	if ended.Valid {
		v := ended.Int64
		sess.EndedAt = &v
	}
	if status.Valid {
		v := status.String
		sess.ExitStatus = &v
	}
	return sess, nil
}

func (s *SQL) ProjectSessions(ctx context.Context, projectID string) ([]SessionWithStats, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT s.id, s.project_id, s.started_at, s.ended_at, s.exit_status,
		       COALESCE(l.log_count, 0), COALESCE(l.log_size, 0), COALESCE(m.metric_count, 0)
		FROM sessions s
		LEFT JOIN (SELECT session_id, COUNT(*) AS log_count, COALESCE(SUM(LENGTH(data)), 0) AS log_size
		           FROM logs GROUP BY session_id) l ON l.session_id = s.id
		LEFT JOIN (SELECT session_id, COUNT(*) AS metric_count
		           FROM metrics GROUP BY session_id) m ON m.session_id = s.id
		WHERE s.project_id = ?
		ORDER BY s.started_at DESC`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []SessionWithStats
	for rows.Next() {
		var st SessionWithStats
		sess, err := scanSession(rows, &st.LogCount, &st.LogSize, &st.MetricCount)
		if err != nil {
			return nil, err
		}
		st.Session = sess
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQL) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	return notFound(scanSession(row))
}

func (s *SQL) LastCompletedSession(ctx context.Context, projectID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND ended_at IS NOT NULL ORDER BY ended_at DESC LIMIT 1`), projectID)
	return notFound(scanSession(row))
}

func notFound(sess Session, err error) (Session, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

func (s *SQL) SessionLogs(ctx context.Context, sessionID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, stream, data, timestamp FROM logs
		WHERE session_id = ? ORDER BY timestamp ASC, id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.SessionID, &e.Stream, &e.Data, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQL) SessionMetrics(ctx context.Context, sessionID string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, cpu_usage, memory_usage, timestamp FROM metrics
		WHERE session_id = ? ORDER BY timestamp ASC, id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Metric
	for rows.Next() {
		var (
			m   Metric
			mem int64
		)
		if err := rows.Scan(&m.SessionID, &m.CPUUsage, &mem, &m.Timestamp); err != nil {
			return nil, err
		}
		if mem > 0 {
			m.MemoryUsage = uint64(mem)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteSession(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM metrics WHERE session_id = ?`,
			`DELETE FROM logs WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(q), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProjectSessions removes every closed session of a project together with
// its logs and metrics. The open session of a running project is kept.
func (s *SQL) DeleteProjectSessions(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sub := `SELECT id FROM sessions WHERE project_id = ? AND ended_at IS NOT NULL`
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM metrics WHERE session_id IN (`+sub+`)`), projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM logs WHERE session_id IN (`+sub+`)`), projectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE project_id = ? AND ended_at IS NOT NULL`), projectID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *SQL) StorageStats(ctx context.Context) (StorageStats, error) {
	var st StorageStats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"logs", &st.LogCount},
		{"metrics", &st.MetricCount},
		{"sessions", &st.SessionCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return StorageStats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	if s.dialect.SizeQuery != "" {
		if err := s.db.QueryRowContext(ctx, s.dialect.SizeQuery).Scan(&st.TotalSize); err != nil {
			return StorageStats{}, fmt.Errorf("database size: %w", err)
		}
	}
	return st, nil
}

// CleanupOlderThan deletes sessions started more than days ago, with their
// logs and metrics, and returns the number of sessions removed.
func (s *SQL) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sub := `SELECT id FROM sessions WHERE started_at < ?`
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM metrics WHERE session_id IN (`+sub+`)`), cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM logs WHERE session_id IN (`+sub+`)`), cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE started_at < ?`), cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, s.vacuum(ctx)
}

func (s *SQL) CleanupAll(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range []string{"metrics", "logs", "sessions"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.vacuum(ctx)
}

func (s *SQL) vacuum(ctx context.Context) error {
	if !s.dialect.Vacuum {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func (s *SQL) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
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

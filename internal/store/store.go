// Package store persists sessions, their output and their resource samples.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Session is one supervised run of a project. Times are unix milliseconds.
type Session struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	StartedAt  int64   `json:"started_at"`
	EndedAt    *int64  `json:"ended_at,omitempty"`
	ExitStatus *string `json:"exit_status,omitempty"`
}

type SessionWithStats struct {
	Session
	LogCount    int64 `json:"log_count"`
	LogSize     int64 `json:"log_size"`
	MetricCount int64 `json:"metric_count"`
}

type LogEntry struct {
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type Metric struct {
	SessionID   string  `json:"session_id"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
	Timestamp   int64   `json:"timestamp"`
}

type StorageStats struct {
	TotalSize    int64 `json:"total_size"`
	LogCount     int64 `json:"log_count"`
	MetricCount  int64 `json:"metric_count"`
	SessionCount int64 `json:"session_count"`
}

// Recorder is the write side used by the engine.
type Recorder interface {
	CreateSession(ctx context.Context, projectID string) (string, error)
	EndSession(ctx context.Context, sessionID, exitStatus string) error
	InsertLog(ctx context.Context, sessionID, stream, data string, ts int64) error
	InsertMetric(ctx context.Context, sessionID string, cpu float64, memory uint64, ts int64) error
}

// Store is the full persistence surface.
type Store interface {
	Recorder
	EnsureSchema(ctx context.Context) error

	ProjectSessions(ctx context.Context, projectID string) ([]SessionWithStats, error)
	Session(ctx context.Context, id string) (Session, error)
	LastCompletedSession(ctx context.Context, projectID string) (Session, error)
	SessionLogs(ctx context.Context, sessionID string) ([]LogEntry, error)
	SessionMetrics(ctx context.Context, sessionID string) ([]Metric, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteProjectSessions(ctx context.Context, projectID string) (int64, error)

	StorageStats(ctx context.Context) (StorageStats, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	CleanupAll(ctx context.Context) error

	Close() error
}

// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/procyard/internal/store"
)

// Clocked is implemented by backends whose time source can be pinned.
type Clocked interface {
	SetClock(func() time.Time)
}

// Run exercises s against the behaviour every backend must share.
// s must be empty when passed in.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("SessionLifecycle", func(t *testing.T) { sessionLifecycle(t, s) })
	t.Run("LogsAndMetrics", func(t *testing.T) { logsAndMetrics(t, s) })
	t.Run("DeleteProjectSessionsKeepsOpen", func(t *testing.T) { deleteProjectSessions(t, s) })
	t.Run("Cleanup", func(t *testing.T) { cleanup(t, s) })
}

func sessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.CreateSession(ctx, "life")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("empty session id")
	}
	got, err := s.Session(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProjectID != "life" || got.EndedAt != nil || got.ExitStatus != nil {
		t.Fatalf("unexpected open session: %+v", got)
	}
	if _, err := s.LastCompletedSession(ctx, "life"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before end, got %v", err)
	}
	if err := s.EndSession(ctx, id, "stopped"); err != nil {
		t.Fatalf("end: %v", err)
	}
	// a second end must not overwrite the first classification
	if err := s.EndSession(ctx, id, "errored"); err != nil {
		t.Fatalf("end again: %v", err)
	}
	last, err := s.LastCompletedSession(ctx, "life")
	if err != nil {
		t.Fatalf("last completed: %v", err)
	}
	if last.ID != id || last.ExitStatus == nil || *last.ExitStatus != "stopped" || last.EndedAt == nil {
		t.Fatalf("unexpected completed session: %+v", last)
	}
	if _, err := s.Session(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func logsAndMetrics(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.CreateSession(ctx, "io")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.InsertLog(ctx, id, "stdout", "hello\n", 10); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.InsertLog(ctx, id, "stderr", "oops", 11); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := s.InsertMetric(ctx, id, 12.5, 4096, 12); err != nil {
		t.Fatalf("metric: %v", err)
	}
	logs, err := s.SessionLogs(ctx, id)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Data != "hello\n" || logs[1].Stream != "stderr" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	metrics, err := s.SessionMetrics(ctx, id)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].CPUUsage != 12.5 || metrics[0].MemoryUsage != 4096 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
	sessions, err := s.ProjectSessions(ctx, "io")
	if err != nil {
		t.Fatalf("project sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	st := sessions[0]
	if st.LogCount != 2 || st.LogSize != int64(len("hello\n")+len("oops")) || st.MetricCount != 1 {
		t.Fatalf("unexpected session stats: %+v", st)
	}
	stats, err := s.StorageStats(ctx)
	if err != nil {
		t.Fatalf("storage stats: %v", err)
	}
	if stats.LogCount < 2 || stats.MetricCount < 1 || stats.SessionCount < 1 {
		t.Fatalf("unexpected storage stats: %+v", stats)
	}
	if err := s.DeleteSession(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if logs, _ := s.SessionLogs(ctx, id); len(logs) != 0 {
		t.Fatalf("logs survived delete: %+v", logs)
	}
}

func deleteProjectSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	closed, _ := s.CreateSession(ctx, "bulk")
	_ = s.InsertLog(ctx, closed, "stdout", "x", 1)
	_ = s.EndSession(ctx, closed, "errored")
	open, _ := s.CreateSession(ctx, "bulk")
	n, err := s.DeleteProjectSessions(ctx, "bulk")
	if err != nil {
		t.Fatalf("delete project sessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := s.Session(ctx, open); err != nil {
		t.Fatalf("open session should remain: %v", err)
	}
	if _, err := s.Session(ctx, closed); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("closed session should be gone, got %v", err)
	}
}

func cleanup(t *testing.T, s store.Store) {
	ctx := context.Background()
	c, ok := s.(Clocked)
	if !ok {
		t.Skip("backend clock cannot be pinned")
	}
	now := time.Now()
	c.SetClock(func() time.Time { return now.Add(-40 * 24 * time.Hour) })
	old, _ := s.CreateSession(ctx, "aged")
	_ = s.InsertMetric(ctx, old, 1, 1, 1)
	c.SetClock(func() time.Time { return now })
	fresh, _ := s.CreateSession(ctx, "aged")
	c.SetClock(time.Now)

	if _, err := s.CleanupOlderThan(ctx, 0); err == nil {
		t.Fatalf("expected error for non-positive days")
	}
	n, err := s.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 aged session removed, got %d", n)
	}
	if _, err := s.Session(ctx, fresh); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
	if err := s.CleanupAll(ctx); err != nil {
		t.Fatalf("cleanup all: %v", err)
	}
	stats, err := s.StorageStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.SessionCount != 0 || stats.LogCount != 0 || stats.MetricCount != 0 {
		t.Fatalf("expected empty store, got %+v", stats)
	}
}

//go:build !windows

package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/ledger"
	"github.com/loykin/procyard/internal/logger"
	"github.com/loykin/procyard/internal/process"
	"github.com/loykin/procyard/internal/store/sqlite"
)

// recordingSink keeps every notification for later inspection.
type recordingSink struct {
	mu       sync.Mutex
	statuses []events.StatusChanged
	logs     []events.Log
	stats    [][]process.Info
}

func (s *recordingSink) StatusChanged(e events.StatusChanged) {
	s.mu.Lock()
	s.statuses = append(s.statuses, e)
	s.mu.Unlock()
}

func (s *recordingSink) Log(e events.Log) {
	s.mu.Lock()
	s.logs = append(s.logs, e)
	s.mu.Unlock()
}

func (s *recordingSink) StatsUpdated(b []process.Info) {
	s.mu.Lock()
	s.stats = append(s.stats, b)
	s.mu.Unlock()
}

// runningPIDs returns the pids announced with a running status, in order.
func (s *recordingSink) runningPIDs(projectID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, e := range s.statuses {
		if e.ProjectID == projectID && e.Status == process.StatusRunning {
			out = append(out, e.PID)
		}
	}
	return out
}

// statusSeq returns every status announced for projectID, in order.
func (s *recordingSink) statusSeq(projectID string) []process.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []process.Status
	for _, e := range s.statuses {
		if e.ProjectID == projectID {
			out = append(out, e.Status)
		}
	}
	return out
}

func (s *recordingSink) output(projectID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, e := range s.logs {
		if e.ProjectID == projectID {
			out += e.Data
		}
	}
	return out
}

type fixture struct {
	m      *Manager
	db     *sqlite.DB
	ledger *ledger.Ledger
	sink   *recordingSink
	cfg    *config.Store
	dir    string
}

func newFixture(t *testing.T, projects []config.Project, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewStore([]config.Group{{ID: "g", Name: "g", Directory: dir, Projects: projects}})
	f := &fixture{
		db:     db,
		ledger: ledger.New(filepath.Join(dir, "running_pids.txt")),
		sink:   &recordingSink{},
		cfg:    cfg,
		dir:    dir,
	}
	base := []Option{
		WithRecorder(db),
		WithEvents(f.sink),
		WithLedger(f.ledger),
		WithConfig(cfg),
		WithLogDir(filepath.Join(dir, "logs"), logger.Config{}),
		WithBackoff(Backoff{Initial: 200 * time.Millisecond}),
		WithStopTimeout(time.Second),
	}
	f.m = New(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.m.ShutdownAll(ctx)
	})
	return f
}

func (f *fixture) replace(projects ...config.Project) {
	f.cfg.Replace([]config.Group{{ID: "g", Name: "g", Directory: f.dir, Projects: projects}})
}

func service(id, command string, autoRestart bool) config.Project {
	return config.Project{ID: id, Name: id, Command: command, Type: process.TypeService, AutoRestart: autoRestart}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 20*time.Millisecond, msg)
}

// pidAlive treats zombies as dead: a reparented child may linger unreaped.
func pidAlive(pid int) bool {
	if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		f := strings.Fields(string(b[bytes.LastIndexByte(b, ')')+1:]))
		return len(f) > 0 && f[0] != "Z"
	}
	return syscall.Kill(pid, 0) == nil
}

func (f *fixture) waitStatus(t *testing.T, projectID string, want process.Status) {
	t.Helper()
	waitFor(t, func() bool {
		return !f.m.Running(projectID) && f.m.Status(projectID).Status == want
	}, "project "+projectID+" never reached "+string(want))
}

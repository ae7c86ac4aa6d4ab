// Package manager is the supervision engine: it spawns projects, relays their
// output, watches for exits, applies the restart policy and tears everything
// down on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/env"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/history"
	"github.com/loykin/procyard/internal/ledger"
	"github.com/loykin/procyard/internal/logger"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/platform"
	"github.com/loykin/procyard/internal/process"
	"github.com/loykin/procyard/internal/store"
)

const (
	DefaultStopTimeout = 5 * time.Second
	pollInterval       = 100 * time.Millisecond
	restartPolls       = 50
	recorderTimeout    = 5 * time.Second
)

// ConfigProvider resolves groups by id. config.Store implements it.
type ConfigProvider interface {
	GetGroup(id string) (config.Group, bool)
}

// Manager owns every supervised process of the application.
type Manager struct {
	reg      *process.Registry
	platform platform.Adapter
	cfg      ConfigProvider
	rec      store.Recorder
	events   events.Sink
	ledger   *ledger.Ledger
	history  history.Sink
	logger   *slog.Logger
	logCfg   logger.Config
	logDir   string
	env      *env.Env
	backoff  Backoff

	stopTimeout time.Duration

	// spawnMu makes the existence check and the insert of Spawn atomic.
	spawnMu      sync.Mutex
	shuttingDown bool

	ctx    context.Context
	cancel context.CancelFunc

	goMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup

	delayMu sync.Mutex
	delays  map[string]time.Duration
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder sets where sessions, logs and metrics are recorded.
func WithRecorder(r store.Recorder) Option { return func(m *Manager) { m.rec = r } }

func WithEvents(s events.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.events = s
		}
	}
}

func WithLedger(l *ledger.Ledger) Option { return func(m *Manager) { m.ledger = l } }

func WithPlatform(p platform.Adapter) Option {
	return func(m *Manager) {
		if p != nil {
			m.platform = p
		}
	}
}

func WithConfig(c ConfigProvider) Option { return func(m *Manager) { m.cfg = c } }

func WithHistory(s history.Sink) Option { return func(m *Manager) { m.history = s } }

// WithLogDir sets where per-project output files are written and how they rotate.
func WithLogDir(dir string, cfg logger.Config) Option {
	return func(m *Manager) {
		m.logDir = dir
		m.logCfg = cfg
	}
}

func WithBackoff(b Backoff) Option { return func(m *Manager) { m.backoff = b.normalized() } }

// WithStopTimeout sets the grace period before a stop escalates to a kill.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// WithEnv replaces the base environment children inherit (the OS env by default).
func WithEnv(e *env.Env) Option {
	return func(m *Manager) {
		if e != nil {
			m.env = e
		}
	}
}

func New(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:         process.NewRegistry(),
		events:      events.Nop{},
		logger:      slog.Default(),
		logDir:      "logs",
		env:         env.FromOS(),
		backoff:     DefaultBackoff(),
		stopTimeout: DefaultStopTimeout,
		ctx:         ctx,
		cancel:      cancel,
		delays:      make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(m)
	}
	if m.platform == nil {
		m.platform = platform.New(m.logger)
	}
	return m
}

// Start resolves a project from the config store and spawns it.
func (m *Manager) Start(groupID, projectID string) error {
	if m.cfg == nil {
		return fmt.Errorf("%w: %s", process.ErrGroupNotFound, groupID)
	}
	g, ok := m.cfg.GetGroup(groupID)
	if !ok {
		return fmt.Errorf("%w: %s", process.ErrGroupNotFound, groupID)
	}
	spec, err := g.Spec(projectID)
	if err != nil {
		return err
	}
	return m.Spawn(spec)
}

// Restart stops the project if it runs, waits for its entry to disappear and
// starts it again from current configuration.
func (m *Manager) Restart(ctx context.Context, groupID, projectID string) error {
	if m.reg.Has(projectID) {
		if err := m.Stop(projectID); err != nil && !errors.Is(err, process.ErrNotRunning) {
			return err
		}
		for i := 0; i < restartPolls && m.reg.Has(projectID); i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return m.Start(groupID, projectID)
}

// Status returns the projection of a project. A project that never ran reports
// stopped.
func (m *Manager) Status(projectID string) process.Info {
	if info, ok := m.reg.Info(projectID); ok {
		return info
	}
	return process.Info{ProjectID: projectID, Status: process.StatusStopped}
}

// Statuses returns every known projection ordered by project id.
func (m *Manager) Statuses() []process.Info { return m.reg.Infos() }

// Running reports whether projectID has a live entry.
func (m *Manager) Running(projectID string) bool { return m.reg.Has(projectID) }

// RunningPIDs maps each running project to the pid at the root of its tree.
// Projects being stopped are not sampled.
func (m *Manager) RunningPIDs() map[string]int { return m.reg.RunningPIDs() }

// ApplyStats stores a sampler result on the projections of live projects,
// publishes them as one batch and records a metric row per active session.
func (m *Manager) ApplyStats(stats map[string]metrics.Usage) {
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ts := time.Now().UnixMilli()
	batch := make([]process.Info, 0, len(ids))
	for _, id := range ids {
		u := stats[id]
		info, ok := m.reg.UpdateInfo(id, func(i *process.Info) {
			i.CPUUsage = u.CPU
			i.MemoryUsage = u.Memory
		})
		if !ok {
			continue
		}
		batch = append(batch, info)
		if sid, ok := m.reg.ActiveSession(id); ok && m.rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
			if err := m.rec.InsertMetric(ctx, sid, u.CPU, u.Memory, ts); err != nil {
				m.logger.Warn("record metric", "project", id, "error", err)
			}
			cancel()
		}
	}
	if len(batch) > 0 {
		m.events.StatsUpdated(batch)
	}
}

// goTracked runs fn in a goroutine that shutdown waits for. It refuses once
// shutdown has started.
func (m *Manager) goTracked(fn func()) bool {
	m.goMu.Lock()
	defer m.goMu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// beginShutdown cancels pending restarts and waits out any spawn in flight.
// Spawn refuses to run afterwards.
func (m *Manager) beginShutdown() {
	m.cancel()
	m.spawnMu.Lock()
	m.shuttingDown = true
	m.spawnMu.Unlock()
}

// finishShutdown waits for watchers and delayed work to return.
func (m *Manager) finishShutdown() {
	m.goMu.Lock()
	m.closed = true
	m.goMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) recorderCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), recorderTimeout)
}

func (m *Manager) sendHistory(e history.Event) {
	if m.history == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		defer cancel()
		if err := m.history.Send(ctx, e); err != nil {
			m.logger.Warn("history export failed", "project", e.ProjectID, "type", e.Type, "error", err)
		}
	}()
}

// Package procyard assembles the supervision engine, its persistence and its
// HTTP surface from a loaded configuration.
package procyard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procyard/internal/auth"
	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/cron"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/history/clickhouse"
	"github.com/loykin/procyard/internal/ledger"
	"github.com/loykin/procyard/internal/logger"
	"github.com/loykin/procyard/internal/manager"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/platform"
	"github.com/loykin/procyard/internal/server"
	"github.com/loykin/procyard/internal/store"
	"github.com/loykin/procyard/internal/store/factory"
	itls "github.com/loykin/procyard/internal/tls"
)

// ShutdownTimeout bounds how long Run waits for children and in-flight
// requests once its context is cancelled.
const ShutdownTimeout = 15 * time.Second

type Config = config.Config

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App is a configured engine ready to Run.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     store.Store
	groups    *config.Store
	bus       *events.Bus
	mgr       *manager.Manager
	sampler   *metrics.Sampler
	cleaner   *cron.Scheduler
	history   *clickhouse.Sink
	api       *server.Router
}

// LoggerConfig converts the [log] section.
func LoggerConfig(c config.LogConfig) logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// BackoffConfig converts the [restart] section.
func BackoffConfig(c config.RestartConfig) manager.Backoff {
	return manager.Backoff{
		Initial:    c.Delay,
		Max:        c.MaxDelay,
		Multiplier: c.Multiplier,
		ResetAfter: c.ResetAfter,
	}
}

// New opens the store and builds every component. Nothing is started until Run.
func New(cfg *config.Config) (*App, error) {
	fc := cfg.File
	logCfg := LoggerConfig(fc.Log)
	l, closer, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &App{cfg: cfg, logger: l, logCloser: closer}

	if err := os.MkdirAll(fc.DataDir, 0o750); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := factory.NewFromDSN(fc.Database.DSN)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("open store (%s): %w", factory.Kind(fc.Database.DSN), err)
	}
	a.store = st
	a.groups = config.NewStore(cfg.Groups)
	a.bus = events.NewBus()

	opts := []manager.Option{
		manager.WithLogger(l),
		manager.WithRecorder(st),
		manager.WithEvents(a.bus),
		manager.WithLedger(ledger.New(fc.Ledger)),
		manager.WithPlatform(platform.New(l)),
		manager.WithConfig(a.groups),
		manager.WithLogDir(fc.LogDir, logCfg),
		manager.WithBackoff(BackoffConfig(fc.Restart)),
	}
	if fc.History.ClickHouseAddr != "" {
		h, err := clickhouse.New(fc.History.ClickHouseAddr, fc.History.ClickHouseTable)
		if err != nil {
			// History export is optional; the engine runs without it.
			l.Warn("clickhouse history disabled", "addr", fc.History.ClickHouseAddr, "error", err)
		} else {
			a.history = h
			opts = append(opts, manager.WithHistory(h))
		}
	}
	a.mgr = manager.New(opts...)
	a.sampler = metrics.NewSampler(fc.Stats.Interval, l)

	retention := cron.Retention{Schedule: fc.Retention.Schedule, Days: fc.Retention.Days}
	if retention.Enabled() {
		c, err := cron.New(st, retention, l)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("retention: %w", err)
		}
		a.cleaner = c
	}

	var guard *auth.Service
	if fc.Server.Auth.Enabled {
		guard, err = auth.New(fc.Server.Auth)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	a.api = server.NewRouter(a.mgr, st, a.groups, a.bus, server.Options{
		BasePath: fc.Server.BasePath,
		LogDir:   fc.LogDir,
		Metrics:  fc.Metrics.Enabled && fc.Metrics.Listen == "",
		Auth:     guard,
		Logger:   l,
	})
	return a, nil
}

func (a *App) Logger() *slog.Logger      { return a.logger }
func (a *App) Manager() *manager.Manager { return a.mgr }
func (a *App) Store() store.Store        { return a.store }
func (a *App) Handler() http.Handler     { return a.api.Handler() }
func (a *App) Groups() *config.Store     { return a.groups }
func (a *App) Events() *events.Bus       { return a.bus }

// Run reaps orphans left by a previous instance, starts the sampler, the
// retention schedule, config reloading and the HTTP servers, and blocks until
// ctx is cancelled or a server fails. It always shuts everything down before
// returning.
func (a *App) Run(ctx context.Context) error {
	defer a.killOnPanic()
	fc := a.cfg.File
	if n := a.mgr.ReapOrphans(); n > 0 {
		a.logger.Info("reaped orphans from previous run", "count", n)
	}

	errCh := make(chan error, 2)
	var servers []*http.Server
	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.logger.Warn("metrics registration failed", "error", err)
		}
		if fc.Metrics.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			ms := server.NewServer(fc.Metrics.Listen, mux, nil)
			servers = append(servers, ms)
			go serve(ms, errCh)
			a.logger.Info("metrics listening", "addr", fc.Metrics.Listen)
		}
	}

	tlsCfg, err := itls.Setup(fc.Server.TLS)
	if err != nil {
		a.shutdown(servers)
		return fmt.Errorf("tls: %w", err)
	}
	api := server.NewServer(fc.Server.Listen, a.Handler(), tlsCfg)
	servers = append(servers, api)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.sampler.Start(runCtx, a.mgr)
	if a.cleaner != nil {
		a.cleaner.Start()
	}
	a.cfg.Watch(a.groups, a.logger)

	go serve(api, errCh)
	a.logger.Info("api listening", "addr", fc.Server.Listen, "base_path", fc.Server.BasePath, "tls", tlsCfg != nil)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-errCh:
		a.logger.Error("server failed", "error", err)
	}
	a.shutdown(servers)
	return err
}

// Close stops every child and releases the store, history sink and log file.
// Embedders that mount Handler in their own server call it instead of Run.
func (a *App) Close() {
	defer a.killOnPanic()
	a.shutdown(nil)
}

// Kill force-kills every child without a grace period. serve calls it when a
// second interrupt arrives during a graceful shutdown.
func (a *App) Kill() {
	a.logger.Warn("killing all projects")
	a.mgr.KillAll()
}

// killOnPanic must be deferred directly. It kills every child before letting
// the panic continue, so no process outlives a crashed engine.
func (a *App) killOnPanic() {
	if r := recover(); r != nil {
		a.logger.Error("panic, killing all projects", "panic", r)
		a.mgr.KillAll()
		panic(r)
	}
}

func serve(s *http.Server, errCh chan<- error) {
	var err error
	if s.TLSConfig != nil {
		err = s.ListenAndServeTLS("", "")
	} else {
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", s.Addr, err)
	}
}

// shutdown stops children first so their final sessions and status events are
// recorded, then the HTTP servers, then the store.
func (a *App) shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	a.mgr.ShutdownAll(ctx)
	a.sampler.Stop()
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			a.logger.Warn("server shutdown", "addr", s.Addr, "error", err)
			_ = s.Close()
		}
	}
	a.closeAll()
}

func (a *App) closeAll() {
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "error", err)
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// ReapOrphans kills the processes recorded in the PID ledger by a previous
// instance that did not shut down cleanly, without starting the engine.
func ReapOrphans(cfg *config.Config, l *slog.Logger) int {
	if l == nil {
		l = slog.Default()
	}
	m := manager.New(
		manager.WithLogger(l),
		manager.WithLedger(ledger.New(cfg.File.Ledger)),
		manager.WithPlatform(platform.New(l)),
	)
	return m.ReapOrphans()
}

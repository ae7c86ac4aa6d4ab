// Package cron runs storage retention on a schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner deletes recorded sessions older than a number of days.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// Retention is the [retention] configuration section.
type Retention struct {
	Schedule string `mapstructure:"schedule"`
	Days     int    `mapstructure:"days"`
}

// Enabled reports whether both a schedule and a positive age are set.
func (r Retention) Enabled() bool {
	return strings.TrimSpace(r.Schedule) != "" && r.Days > 0
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as "@daily" or "@every 1h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Scheduler runs a Cleaner on the retention schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	c       *cron.Cron
	cleaner Cleaner
	days    int
	logger  *slog.Logger
	running atomic.Bool
	runs    atomic.Int64
}

func New(cleaner Cleaner, r Retention, logger *slog.Logger) (*Scheduler, error) {
	if cleaner == nil {
		return nil, errors.New("retention needs a cleaner")
	}
	if r.Days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", r.Days)
	}
	sched, err := ParseSchedule(r.Schedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		c:       cron.New(cron.WithParser(parser)),
		cleaner: cleaner,
		days:    r.Days,
		logger:  logger,
	}
	s.c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, _ = s.RunOnce(ctx)
	}))
	return s, nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.logger.Info("retention scheduler started", "days", s.days)
}

// Stop prevents further runs and waits for a running cleanup to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Runs returns how many cleanups completed.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// RunOnce performs one cleanup now. It returns zero without error when a
// cleanup is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("retention cleanup already running, skipping")
		return 0, nil
	}
	defer s.running.Store(false)
	n, err := s.cleaner.CleanupOlderThan(ctx, s.days)
	if err != nil {
		s.logger.Error("retention cleanup failed", "days", s.days, "error", err)
		return 0, err
	}
	s.runs.Add(1)
	s.logger.Info("retention cleanup finished", "days", s.days, "sessions_removed", n)
	return n, nil
}

package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	projectSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "spawns_total",
			Help:      "Number of successful spawns.",
		}, []string{"project"},
	)
	projectSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "spawn_failures_total",
			Help:      "Number of spawns that failed before the child ran.",
		}, []string{"project"},
	)
	projectExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "exits_total",
			Help:      "Number of observed exits by classification.",
		}, []string{"project", "status"},
	)
	projectRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "restarts_total",
			Help:      "Number of auto restarts.",
		}, []string{"project"},
	)
	orphansReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procyard",
			Subsystem: "engine",
			Name:      "orphans_reaped_total",
			Help:      "Number of ledger pids force-killed at startup.",
		},
	)
	runningProjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procyard",
			Subsystem: "engine",
			Name:      "running_projects",
			Help:      "Current number of supervised processes.",
		},
	)
	projectCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "cpu_percent",
			Help:      "CPU usage of the project process tree, 0-100 across all cores.",
		}, []string{"project"},
	)
	projectMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procyard",
			Subsystem: "project",
			Name:      "memory_bytes",
			Help:      "Memory usage of the project process tree.",
		}, []string{"project"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{projectSpawns, projectSpawnFailures, projectExits, projectRestarts, orphansReaped, runningProjects, projectCPU, projectMemory}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(project string) {
	if regOK.Load() {
		projectSpawns.WithLabelValues(project).Inc()
	}
}
func IncSpawnFailure(project string) {
	if regOK.Load() {
		projectSpawnFailures.WithLabelValues(project).Inc()
	}
}
func IncExit(project, status string) {
	if regOK.Load() {
		projectExits.WithLabelValues(project, status).Inc()
	}
}
func IncRestart(project string) {
	if regOK.Load() {
		projectRestarts.WithLabelValues(project).Inc()
	}
}
func AddOrphansReaped(n int) {
	if regOK.Load() && n > 0 {
		orphansReaped.Add(float64(n))
	}
}
func SetRunning(n int) {
	if regOK.Load() {
		runningProjects.Set(float64(n))
	}
}

// SetUsage publishes the latest sample for a project.
func SetUsage(project string, cpu float64, memory uint64) {
	if regOK.Load() {
		projectCPU.WithLabelValues(project).Set(cpu)
		projectMemory.WithLabelValues(project).Set(float64(memory))
	}
}

// ClearUsage drops the usage series of a project that is no longer running.
func ClearUsage(project string) {
	if regOK.Load() {
		projectCPU.DeleteLabelValues(project)
		projectMemory.DeleteLabelValues(project)
	}
}

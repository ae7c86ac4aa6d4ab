package manager

import (
	"context"
	"time"

	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/process"
)

// Stop asks a running project to exit and force-kills its process group once
// the stop timeout has passed, whether or not the leader is still alive, since
// other group members may ignore the graceful signal. Manager shutdown cuts the
// wait short. Stop does not wait for the exit; the watcher reports it.
func (m *Manager) Stop(projectID string) error {
	mp, info, err := m.reg.MarkManuallyStopped(projectID)
	if err != nil {
		return err
	}
	m.announceStopping(info)
	m.logger.Info("stopping project", "project", projectID, "pid", mp.RealPID)
	m.platform.GracefulShutdown(mp.RealPID)

	m.goTracked(func() {
		timer := time.NewTimer(m.stopTimeout)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
		case <-timer.C:
		}
		if m.platform.IsRunning(mp.RealPID) {
			m.logger.Warn("stop timed out, killing", "project", projectID, "pid", mp.RealPID)
		}
		m.platform.ForceKill(mp.RealPID)
	})
	return nil
}

func (m *Manager) announceStopping(info process.Info) {
	if info.Status == process.StatusStopping {
		m.events.StatusChanged(events.StatusFromInfo(info))
	}
}

// KillAll force-kills every supervised process without a grace period. The
// manager accepts no spawns afterwards.
func (m *Manager) KillAll() {
	m.beginShutdown()
	entries, _ := m.reg.MarkAllManuallyStopped()
	for _, mp := range entries {
		m.platform.ForceKill(mp.RealPID)
	}
	for _, mp := range entries {
		if m.reg.RemoveIf(mp) {
			m.closeRun(mp, process.StatusStopped)
		}
	}
	m.clearLedger()
	m.finishShutdown()
}

// ShutdownAll stops every supervised process: a graceful signal first, then a
// kill for whatever is still alive after the stop timeout or when ctx ends.
// Pending auto-restarts are cancelled. The manager accepts no spawns afterwards.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.beginShutdown()
	entries, stopping := m.reg.MarkAllManuallyStopped()
	for _, info := range stopping {
		m.announceStopping(info)
	}
	for _, mp := range entries {
		m.platform.GracefulShutdown(mp.RealPID)
	}

	deadline := time.NewTimer(m.stopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	remaining := append([]*process.Managed(nil), entries...)
wait:
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
		alive := remaining[:0]
		for _, mp := range remaining {
			if !m.gone(mp) {
				alive = append(alive, mp)
				continue
			}
			if m.reg.RemoveIf(mp) {
				m.closeRun(mp, process.StatusStopped)
			}
		}
		remaining = alive
	}

	for _, mp := range remaining {
		m.logger.Warn("shutdown timed out, killing", "project", mp.ProjectID(), "pid", mp.RealPID)
	}
	// leaders that exited may have left group members behind
	for _, mp := range entries {
		m.platform.ForceKill(mp.RealPID)
	}
	for _, mp := range remaining {
		if m.reg.RemoveIf(mp) {
			m.closeRun(mp, process.StatusStopped)
		}
	}
	m.clearLedger()
	m.finishShutdown()
}

// ReapOrphans force-kills every pid left in the ledger by a previous run and
// clears it. It must run before anything is spawned.
func (m *Manager) ReapOrphans() int {
	if m.ledger == nil {
		return 0
	}
	pids, err := m.ledger.PIDs()
	if err != nil {
		m.logger.Warn("read pid ledger", "path", m.ledger.Path(), "error", err)
	}
	killed := m.platform.KillOrphans(pids)
	m.clearLedger()
	if len(pids) > 0 {
		m.logger.Info("reaped orphaned processes", "recorded", len(pids), "killed", killed)
	}
	metrics.AddOrphansReaped(len(pids))
	return len(pids)
}

func (m *Manager) clearLedger() {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.Clear(); err != nil {
		m.logger.Warn("clear pid ledger", "path", m.ledger.Path(), "error", err)
	}
}

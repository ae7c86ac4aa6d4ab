package manager

import (
	"errors"
	"time"

	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/history"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/process"
)

// watch polls one spawn until it exits, then closes the run and applies the
// restart policy. It returns silently once the entry is no longer mp.
func (m *Manager) watch(mp *process.Managed) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.reg.Current(mp) {
			return
		}
		exited, manual, success := m.checkExit(mp)
		if !exited {
			continue
		}
		status := process.StatusErrored
		if manual || success {
			status = process.StatusStopped
		}
		if !m.reg.RemoveIf(mp) {
			return
		}
		m.closeRun(mp, status)
		if m.restartEligible(mp, manual, success) {
			m.scheduleRestart(mp)
		}
		return
	}
}

// checkExit reports whether mp has terminated, whether it was stopped on
// request and whether it ended successfully.
func (m *Manager) checkExit(mp *process.Managed) (exited, manual, success bool) {
	if mp.Interactive() {
		// the flag is read before liveness so a requested stop is never
		// mistaken for a crash
		manual = m.reg.ManuallyStopped(mp)
		if !m.gone(mp) {
			return false, manual, false
		}
		if manual {
			return true, true, true
		}
		// the probe can see the pid vanish just before the reaper publishes
		select {
		case <-mp.Handle.Done():
		case <-time.After(pollInterval):
		}
		reaped, err := mp.Handle.TryWait()
		return true, false, reaped && err == nil
	}
	done, err := mp.Handle.TryWait()
	if !done {
		return false, false, false
	}
	manual = m.reg.ManuallyStopped(mp)
	return true, manual, err == nil
}

func (m *Manager) gone(mp *process.Managed) bool {
	if done, _ := mp.Handle.TryWait(); done {
		return true
	}
	return !m.platform.IsRunning(mp.RealPID)
}

// closeRun does the bookkeeping for a run whose entry the caller has just
// removed: ledger, session, projection, notification and counters.
func (m *Manager) closeRun(mp *process.Managed, status process.Status) {
	id := mp.ProjectID()
	if m.ledger != nil {
		if err := m.ledger.Remove(mp.RealPID); err != nil {
			m.logger.Warn("pid ledger prune failed", "project", id, "pid", mp.RealPID, "error", err)
		}
	}
	m.endSession(id, mp.SessionID, status)

	info := process.Info{ProjectID: id, Status: status}
	m.reg.SetInfo(info)
	m.events.StatusChanged(events.StatusFromInfo(info))

	metrics.IncExit(id, string(status))
	metrics.ClearUsage(id)
	metrics.SetRunning(m.reg.Len())
	m.sendHistory(history.Event{
		Type:       history.EventStop,
		ProjectID:  id,
		GroupID:    mp.GroupID(),
		SessionID:  mp.SessionID,
		PID:        mp.RealPID,
		ExitStatus: status.ExitStatus(),
		ExitCode:   mp.Handle.ExitCode(),
	})
	m.logger.Info("project exited", "project", id, "pid", mp.RealPID, "status", status, "exit_code", mp.Handle.ExitCode())
}

func (m *Manager) restartEligible(mp *process.Managed, manual, success bool) bool {
	if !mp.Spec.AutoRestart || manual || !success {
		return false
	}
	p, ok := m.currentProject(mp)
	return ok && p.Type == process.TypeService
}

// currentProject reads the live configuration of mp's project. Without a
// config store the spawn spec stands in for it.
func (m *Manager) currentProject(mp *process.Managed) (config.Project, bool) {
	if m.cfg == nil {
		return config.Project{
			ID:          mp.ProjectID(),
			Type:        mp.Spec.Type,
			AutoRestart: mp.Spec.AutoRestart,
		}, true
	}
	g, ok := m.cfg.GetGroup(mp.GroupID())
	if !ok {
		return config.Project{}, false
	}
	return g.Project(mp.ProjectID())
}

func (m *Manager) nextDelay(mp *process.Managed) time.Duration {
	m.delayMu.Lock()
	defer m.delayMu.Unlock()
	d := m.backoff.Next(m.delays[mp.ProjectID()], time.Since(mp.StartedAt))
	m.delays[mp.ProjectID()] = d
	return d
}

func (m *Manager) scheduleRestart(mp *process.Managed) {
	id := mp.ProjectID()
	delay := m.nextDelay(mp)
	m.logger.Info("scheduling restart", "project", id, "delay", delay)
	m.goTracked(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		p, ok := m.currentProject(mp)
		if !ok || !p.AutoRestart || p.Type != process.TypeService {
			m.logger.Info("restart cancelled by configuration", "project", id)
			return
		}
		if m.reg.Has(id) {
			return
		}
		spec := mp.Spec
		spec.AutoRestart = true
		if err := m.Spawn(spec); err != nil {
			if !errors.Is(err, process.ErrAlreadyRunning) {
				m.logger.Error("auto restart failed", "project", id, "error", err)
			}
			return
		}
		metrics.IncRestart(id)
	})
}

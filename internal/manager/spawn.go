package manager

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creack/pty"

	"github.com/loykin/procyard/internal/env"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/history"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/platform"
	"github.com/loykin/procyard/internal/process"
)

const (
	ptyCols = 80
	ptyRows = 24
)

var (
	colorEnv = env.Var{"FORCE_COLOR": "1", "CLICOLOR_FORCE": "1"}
	ptyEnv   = env.Var{"FORCE_COLOR": "1", "CLICOLOR_FORCE": "1", "TERM": "xterm-256color"}
)

// stream is one output source of a spawn.
type stream struct {
	name string
	r    io.ReadCloser
}

// Spawn launches spec and starts supervising it. It fails with
// process.ErrAlreadyRunning if the project has a live entry and with
// process.ErrSpawn if the child could not be started.
func (m *Manager) Spawn(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", process.ErrSpawn, err)
	}
	id := spec.ProjectID

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	if m.shuttingDown {
		return fmt.Errorf("%w: %s: manager is shutting down", process.ErrSpawn, id)
	}
	if m.reg.Has(id) {
		return fmt.Errorf("%w: %s", process.ErrAlreadyRunning, id)
	}

	sessionID := m.createSession(id)
	m.reg.SetActiveSession(id, sessionID)

	logW, err := m.logCfg.OpenProjectLog(m.logDir, id)
	if err != nil {
		m.abortSpawn(id, sessionID, nil)
		return fmt.Errorf("%w: %s: open log: %v", process.ErrSpawn, id, err)
	}

	mp := &process.Managed{Spec: spec, SessionID: sessionID}
	var streams []stream
	if spec.Interactive {
		streams, err = m.startPTY(mp)
	} else {
		streams, err = m.startPiped(mp)
	}
	if err != nil {
		m.abortSpawn(id, sessionID, logW)
		return fmt.Errorf("%w: %s: %v", process.ErrSpawn, id, err)
	}
	mp.RealPID = mp.Handle.PID()
	mp.StartedAt = time.Now()
	m.platform.Attach(mp.RealPID)
	m.relayAll(mp, streams, logW)

	if m.ledger != nil {
		if err := m.ledger.Add(mp.RealPID); err != nil {
			m.logger.Warn("pid ledger append failed", "project", id, "pid", mp.RealPID, "error", err)
		}
	}
	if err := m.reg.Insert(mp); err != nil {
		m.platform.ForceKill(mp.RealPID)
		m.abortSpawn(id, sessionID, nil)
		return err
	}

	info := process.Info{ProjectID: id, Status: process.StatusRunning, PID: mp.RealPID}
	m.reg.SetInfo(info)
	m.events.StatusChanged(events.StatusFromInfo(info))
	metrics.IncSpawn(id)
	metrics.SetRunning(m.reg.Len())
	m.sendHistory(history.Event{
		Type:      history.EventStart,
		ProjectID: id,
		GroupID:   spec.GroupID,
		SessionID: sessionID,
		PID:       mp.RealPID,
	})
	m.logger.Info("project started", "project", id, "pid", mp.RealPID, "interactive", spec.Interactive)

	if !m.goTracked(func() { m.watch(mp) }) {
		// shutdown is draining; it owns the entry now
		m.logger.Debug("watcher not started", "project", id)
	}
	return nil
}

func (m *Manager) startPiped(mp *process.Managed) ([]stream, error) {
	cmd := platform.Command(m.platform, mp.Spec.Command)
	cmd.Dir = mp.Spec.WorkDir
	cmd.Env = m.env.Merge(mp.Spec.Env, colorEnv)
	m.platform.ConfigureCommand(cmd, false)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	startErr := cmd.Start()
	// the child holds its own copies of the write ends
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, startErr
	}
	mp.Handle = process.NewHandle(cmd)
	return []stream{{name: "stdout", r: outR}, {name: "stderr", r: errR}}, nil
}

func (m *Manager) startPTY(mp *process.Managed) ([]stream, error) {
	cmd := platform.Command(m.platform, mp.Spec.Command)
	cmd.Dir = mp.Spec.WorkDir
	cmd.Env = m.env.Merge(mp.Spec.Env, ptyEnv)
	m.platform.ConfigureCommand(cmd, true)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: ptyCols, Rows: ptyRows})
	if err != nil {
		return nil, fmt.Errorf("pty: %w", err)
	}
	mp.Handle = process.NewHandle(cmd)
	mp.PTY = f
	mp.Stdin = f
	return []stream{{name: "stdout", r: f}}, nil
}

// abortSpawn undoes the bookkeeping of a spawn that never produced a child.
func (m *Manager) abortSpawn(projectID, sessionID string, logW io.Closer) {
	if logW != nil {
		_ = logW.Close()
	}
	m.endSession(projectID, sessionID, process.StatusErrored)
	metrics.IncSpawnFailure(projectID)
}

func (m *Manager) createSession(projectID string) string {
	if m.rec == nil {
		return ""
	}
	ctx, cancel := m.recorderCtx()
	defer cancel()
	id, err := m.rec.CreateSession(ctx, projectID)
	if err != nil {
		m.logger.Warn("create session failed, continuing without one", "project", projectID, "error", err)
		return ""
	}
	return id
}

// endSession closes sessionID with the classification of status and drops it
// as the active session of the project.
func (m *Manager) endSession(projectID, sessionID string, status process.Status) {
	if sessionID == "" {
		return
	}
	m.reg.ClearActiveSession(projectID, sessionID)
	if m.rec == nil {
		return
	}
	ctx, cancel := m.recorderCtx()
	defer cancel()
	if err := m.rec.EndSession(ctx, sessionID, status.ExitStatus()); err != nil {
		m.logger.Warn("end session failed", "project", projectID, "session", sessionID, "error", err)
	}
}

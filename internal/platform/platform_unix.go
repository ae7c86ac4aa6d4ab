//go:build !windows

package platform

import (
	"errors"
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixAdapter struct {
	logger *slog.Logger
}

func newAdapter(logger *slog.Logger) Adapter {
	return &unixAdapter{logger: logger}
}

func (a *unixAdapter) ConfigureCommand(cmd *exec.Cmd, interactive bool) {
	attrs := &syscall.SysProcAttr{}
	if !interactive {
		// the PTY path uses setsid, and setpgid on a session leader fails
		attrs.Setpgid = true
	}
	setParentDeathSignal(attrs)
	cmd.SysProcAttr = attrs
}

func (a *unixAdapter) Attach(int) {}

func (a *unixAdapter) GracefulShutdown(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		a.logger.Debug("graceful signal failed", "pid", pid, "error", err)
	}
}

func (a *unixAdapter) ForceKill(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		a.logger.Debug("group kill failed", "pid", pid, "error", err)
	}
	// the leader may have left its group
	_ = unix.Kill(pid, unix.SIGKILL)
}

func (a *unixAdapter) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (a *unixAdapter) KillOrphans(pids []int) int { return killOrphans(a, pids, a.groupAlive) }

// groupAlive also covers a leader that exited while members of its group run on.
func (a *unixAdapter) groupAlive(pid int) bool {
	err := unix.Kill(-pid, 0)
	return err == nil || errors.Is(err, unix.EPERM) || a.IsRunning(pid)
}

func (a *unixAdapter) Shell() (string, string) { return "sh", "-c" }

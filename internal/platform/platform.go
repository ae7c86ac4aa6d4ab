// Package platform wraps the per-OS primitives the engine needs: process-group
// creation, graceful and forced termination, liveness probes and shell choice.
//
// Every operation is best-effort. Signal delivery failures are logged at debug
// level and swallowed; the exit watcher is the source of truth for liveness.
package platform

import (
	"log/slog"
	"os/exec"
)

// Adapter is implemented once per operating system.
type Adapter interface {
	// ConfigureCommand prepares cmd so that the child and its descendants form
	// their own process group. interactive is true when the command will run
	// inside a PTY, which creates the group through setsid instead.
	ConfigureCommand(cmd *exec.Cmd, interactive bool)
	// Attach runs right after a successful start.
	Attach(pid int)
	GracefulShutdown(pid int)
	ForceKill(pid int)
	IsRunning(pid int) bool
	// KillOrphans force-kills every recorded pid whose process, or process
	// group where the OS has one, is still alive and reports how many were
	// signalled.
	KillOrphans(pids []int) int
	// Shell returns the command interpreter and the flag that makes it run a
	// single command string.
	Shell() (string, string)
}

// New returns the adapter for the running OS.
func New(logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return newAdapter(logger)
}

// Command builds an exec.Cmd running script through the adapter's shell.
func Command(a Adapter, script string) *exec.Cmd {
	shell, flag := a.Shell()
	// #nosec G204
	return exec.Command(shell, flag, script)
}

func killOrphans(a Adapter, pids []int, alive func(int) bool) int {
	n := 0
	for _, pid := range pids {
		if pid <= 0 || !alive(pid) {
			continue
		}
		a.ForceKill(pid)
		n++
	}
	return n
}

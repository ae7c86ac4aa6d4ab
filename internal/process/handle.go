package process

import (
	"os/exec"
)

// Handle owns a started command and reaps it exactly once in the background.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // written before done is closed
}

// NewHandle starts reaping cmd, which must already be started.
func NewHandle(cmd *exec.Cmd) *Handle {
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// TryWait reports without blocking whether the process has exited, and the
// error returned by Wait if it has. A nil error means exit code 0.
func (h *Handle) TryWait() (bool, error) {
	select {
	case <-h.done:
		return true, h.err
	default:
		return false, nil
	}
}

// ExitCode returns the exit code of a reaped process, or -1.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
	default:
		return -1
	}
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

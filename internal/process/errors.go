package process

import "errors"

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrAlreadyRunning  = errors.New("process already running")
	ErrNotRunning      = errors.New("process not running")
	// ErrSpawn wraps shell and PTY launch failures.
	ErrSpawn = errors.New("spawn failed")
	// ErrPTY wraps resize and stdin write failures on a PTY session.
	ErrPTY = errors.New("pty error")
)

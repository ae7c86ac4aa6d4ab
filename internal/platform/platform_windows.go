//go:build windows

package platform

import (
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const stillActive = 259

type windowsAdapter struct {
	logger *slog.Logger

	jobOnce sync.Once
	job     windows.Handle
}

func newAdapter(logger *slog.Logger) Adapter {
	return &windowsAdapter{logger: logger}
}

// jobHandle lazily creates the kill-on-close job object shared by every child.
// The handle lives for the lifetime of the engine process, so children die
// with it even on a crash.
func (a *windowsAdapter) jobHandle() windows.Handle {
	a.jobOnce.Do(func() {
		job, err := windows.CreateJobObject(nil, nil)
		if err != nil {
			a.logger.Warn("create job object failed", "error", err)
			return
		}
		info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
			BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
				LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
			},
		}
		if _, err := windows.SetInformationJobObject(
			job,
			windows.JobObjectExtendedLimitInformation,
			uintptr(unsafe.Pointer(&info)),
			uint32(unsafe.Sizeof(info)),
		); err != nil {
			a.logger.Warn("configure job object failed", "error", err)
			_ = windows.CloseHandle(job)
			return
		}
		a.job = job
	})
	return a.job
}

func (a *windowsAdapter) ConfigureCommand(cmd *exec.Cmd, _ bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func (a *windowsAdapter) Attach(pid int) {
	job := a.jobHandle()
	if job == 0 || pid <= 0 {
		return
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		a.logger.Debug("open process for job failed", "pid", pid, "error", err)
		return
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.AssignProcessToJobObject(job, h); err != nil {
		a.logger.Debug("assign to job failed", "pid", pid, "error", err)
	}
}

func (a *windowsAdapter) GracefulShutdown(pid int) {
	if pid <= 0 {
		return
	}
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid)); err != nil {
		a.logger.Debug("ctrl-break failed", "pid", pid, "error", err)
	}
}

func (a *windowsAdapter) ForceKill(pid int) {
	if pid <= 0 {
		return
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// already gone
		return
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.TerminateProcess(h, 1); err != nil {
		a.logger.Debug("terminate failed", "pid", pid, "error", err)
	}
}

func (a *windowsAdapter) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

func (a *windowsAdapter) KillOrphans(pids []int) int { return killOrphans(a, pids, a.IsRunning) }

func (a *windowsAdapter) Shell() (string, string) { return "powershell", "-Command" }

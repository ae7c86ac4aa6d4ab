package platform

import "syscall"

// setParentDeathSignal makes the kernel kill the child when the engine dies
// without cleaning up.
func setParentDeathSignal(attrs *syscall.SysProcAttr) {
	attrs.Pdeathsig = syscall.SIGKILL
}

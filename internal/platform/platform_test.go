//go:build !windows

package platform

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func startSleeper(t *testing.T, a Adapter) *exec.Cmd {
	t.Helper()
	cmd := Command(a, "sleep 30")
	a.ConfigureCommand(cmd, false)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func waitGone(a Adapter, cmd *exec.Cmd) bool {
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()
	select {
	case <-done:
		return !a.IsRunning(cmd.Process.Pid)
	case <-time.After(3 * time.Second):
		return false
	}
}

func TestShell(t *testing.T) {
	name, flag := New(nil).Shell()
	if name != "sh" || flag != "-c" {
		t.Fatalf("unexpected shell %q %q", name, flag)
	}
}

func TestConfigureCommandSetsProcessGroup(t *testing.T) {
	a := New(nil)
	cmd := Command(a, "true")
	a.ConfigureCommand(cmd, false)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("expected Setpgid for pipe mode, got %+v", cmd.SysProcAttr)
	}
	cmd = Command(a, "true")
	a.ConfigureCommand(cmd, true)
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Setpgid {
		t.Fatalf("pty mode must not request Setpgid, got %+v", cmd.SysProcAttr)
	}
}

func TestGracefulShutdownStopsGroup(t *testing.T) {
	a := New(nil)
	cmd := startSleeper(t, a)
	if !a.IsRunning(cmd.Process.Pid) {
		t.Fatalf("expected pid %d to be alive", cmd.Process.Pid)
	}
	a.GracefulShutdown(cmd.Process.Pid)
	if !waitGone(a, cmd) {
		t.Fatalf("process did not exit after SIGTERM")
	}
}

func TestForceKill(t *testing.T) {
	a := New(nil)
	cmd := Command(a, "trap '' TERM; sleep 30")
	a.ConfigureCommand(cmd, false)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.ForceKill(cmd.Process.Pid)
	if !waitGone(a, cmd) {
		t.Fatalf("process survived SIGKILL")
	}
}

func TestIsRunningInvalidPID(t *testing.T) {
	a := New(nil)
	if a.IsRunning(0) || a.IsRunning(-5) {
		t.Fatalf("non-positive pids must never be reported alive")
	}
	// operations on bogus pids must not panic
	a.GracefulShutdown(0)
	a.ForceKill(-1)
}

// startAbandonedGroup starts a shell whose background child ignores SIGTERM,
// stops the shell gracefully and returns its pid and the surviving child.
func startAbandonedGroup(t *testing.T, a Adapter) (leader, child int) {
	t.Helper()
	cmd := Command(a, `(trap '' TERM; exec sleep 30) & echo $!; wait`)
	a.ConfigureCommand(cmd, false)
	out, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	line, err := bufio.NewReader(out).ReadString('\n')
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	child, err = strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("parse child pid %q: %v", line, err)
	}
	t.Cleanup(func() { _ = syscall.Kill(child, syscall.SIGKILL) })

	a.GracefulShutdown(cmd.Process.Pid)
	if !waitGone(a, cmd) {
		t.Fatalf("leader survived the graceful signal")
	}
	if !alive(child) {
		t.Fatalf("group member should ignore the graceful signal")
	}
	return cmd.Process.Pid, child
}

func waitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for alive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("process %d survived the force kill", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestForceKillReachesGroupAfterLeaderExit(t *testing.T) {
	a := New(nil)
	leader, child := startAbandonedGroup(t, a)
	a.ForceKill(leader)
	waitDead(t, child)
}

func TestKillOrphans(t *testing.T) {
	a := New(nil)
	cmd := startSleeper(t, a)
	if n := a.KillOrphans([]int{cmd.Process.Pid, 0, -3}); n != 1 {
		t.Fatalf("expected 1 orphan killed, got %d", n)
	}
	if !waitGone(a, cmd) {
		t.Fatalf("orphan still alive")
	}

	// a recorded leader that already exited still has its group reaped
	leader, child := startAbandonedGroup(t, a)
	if n := a.KillOrphans([]int{leader}); n != 1 {
		t.Fatalf("expected the abandoned group to be killed, got %d", n)
	}
	waitDead(t, child)
}

// alive treats zombies as dead; an orphaned child may wait a while for init.
func alive(pid int) bool {
	if b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat"); err == nil {
		f := strings.Fields(string(b[bytes.LastIndexByte(b, ')')+1:]))
		return len(f) > 0 && f[0] != "Z"
	}
	return syscall.Kill(pid, 0) == nil
}

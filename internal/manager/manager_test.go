//go:build !windows

package manager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/ledger"
	"github.com/loykin/procyard/internal/logger"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/process"
)

func TestStartAndStop(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 30", true)})
	require.NoError(t, f.m.Start("g", "svc"))

	info := f.m.Status("svc")
	assert.Equal(t, process.StatusRunning, info.Status)
	assert.Greater(t, info.PID, 0)
	pids, err := f.ledger.PIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{info.PID}, pids)

	require.NoError(t, f.m.Stop("svc"))
	f.waitStatus(t, "svc", process.StatusStopped)
	assert.Zero(t, f.m.Status("svc").PID)
	assert.Equal(t,
		[]process.Status{process.StatusRunning, process.StatusStopping, process.StatusStopped},
		f.sink.statusSeq("svc"))

	sess, err := f.db.LastCompletedSession(context.Background(), "svc")
	require.NoError(t, err)
	require.NotNil(t, sess.ExitStatus)
	assert.Equal(t, "stopped", *sess.ExitStatus)
	_, active := f.m.reg.ActiveSession("svc")
	assert.False(t, active)

	pids, err = f.ledger.PIDs()
	require.NoError(t, err)
	assert.Empty(t, pids)

	// a manual stop of an auto-restart service must not restart it
	time.Sleep(500 * time.Millisecond)
	assert.False(t, f.m.Running("svc"))
	assert.Len(t, f.sink.runningPIDs("svc"), 1)

	assert.ErrorIs(t, f.m.Stop("svc"), process.ErrNotRunning)
}

func TestAlreadyRunningLeavesFirstUntouched(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 30", false)})
	require.NoError(t, f.m.Start("g", "svc"))
	first := f.m.Status("svc").PID

	err := f.m.Start("g", "svc")
	require.ErrorIs(t, err, process.ErrAlreadyRunning)
	assert.Equal(t, first, f.m.Status("svc").PID)
	assert.True(t, f.m.platform.IsRunning(first))

	sessions, err := f.db.ProjectSessions(context.Background(), "svc")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestConcurrentSpawnMutualExclusion(t *testing.T) {
	f := newFixture(t, nil)
	spec := process.Spec{ProjectID: "race", GroupID: "g", Command: "sleep 30", Type: process.TypeService}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.m.Spawn(spec)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
	for _, err := range errs {
		assert.ErrorIs(t, err, process.ErrAlreadyRunning)
	}
	assert.Len(t, f.m.RunningPIDs(), 1)
}

func TestServiceAutoRestartsAfterSuccess(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 0.2", true)})
	require.NoError(t, f.m.Start("g", "svc"))

	waitFor(t, func() bool { return len(f.sink.runningPIDs("svc")) >= 2 }, "service was not restarted")
	pids := f.sink.runningPIDs("svc")
	assert.NotEqual(t, pids[0], pids[1])

	sessions, err := f.db.ProjectSessions(context.Background(), "svc")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(sessions), 2)
}

func TestTaskNeverRestarts(t *testing.T) {
	task := config.Project{ID: "job", Name: "job", Command: "true", Type: process.TypeTask, AutoRestart: true}
	f := newFixture(t, []config.Project{task})
	require.NoError(t, f.m.Start("g", "job"))
	f.waitStatus(t, "job", process.StatusStopped)

	time.Sleep(600 * time.Millisecond)
	assert.False(t, f.m.Running("job"))
	assert.Len(t, f.sink.runningPIDs("job"), 1)
}

func TestNonZeroExitIsErroredAndNotRestarted(t *testing.T) {
	f := newFixture(t, []config.Project{service("bad", "exit 3", true)})
	require.NoError(t, f.m.Start("g", "bad"))
	f.waitStatus(t, "bad", process.StatusErrored)

	time.Sleep(600 * time.Millisecond)
	assert.Len(t, f.sink.runningPIDs("bad"), 1)

	sess, err := f.db.LastCompletedSession(context.Background(), "bad")
	require.NoError(t, err)
	require.NotNil(t, sess.ExitStatus)
	assert.Equal(t, "errored", *sess.ExitStatus)
}

func TestDisablingAutoRestartDuringDebounceCancels(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "true", true)},
		WithBackoff(Backoff{Initial: 800 * time.Millisecond}))
	require.NoError(t, f.m.Start("g", "svc"))
	f.waitStatus(t, "svc", process.StatusStopped)

	f.replace(service("svc", "true", false))
	time.Sleep(1500 * time.Millisecond)
	assert.False(t, f.m.Running("svc"))
	assert.Len(t, f.sink.runningPIDs("svc"), 1)
}

func TestConvertingToTaskDuringDebounceCancels(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "true", true)},
		WithBackoff(Backoff{Initial: 800 * time.Millisecond}))
	require.NoError(t, f.m.Start("g", "svc"))
	f.waitStatus(t, "svc", process.StatusStopped)

	task := service("svc", "true", true)
	task.Type = process.TypeTask
	f.replace(task)
	time.Sleep(1500 * time.Millisecond)
	assert.False(t, f.m.Running("svc"))
	assert.Len(t, f.sink.runningPIDs("svc"), 1)
}

func TestStopKillsGroupMembersIgnoringTerm(t *testing.T) {
	f := newFixture(t, []config.Project{
		service("svc", `(trap '' TERM; exec sleep 30) & echo "child=$!"; wait`, false),
	})
	require.NoError(t, f.m.Start("g", "svc"))

	var child int
	waitFor(t, func() bool {
		out := f.sink.output("svc")
		i := strings.Index(out, "child=")
		if i < 0 {
			return false
		}
		rest := out[i+len("child="):]
		j := strings.IndexByte(rest, '\n')
		if j < 0 {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[:j]))
		child = n
		return err == nil
	}, "child pid never printed")
	t.Cleanup(func() { _ = syscall.Kill(child, syscall.SIGKILL) })

	require.NoError(t, f.m.Stop("svc"))
	f.waitStatus(t, "svc", process.StatusStopped)
	assert.True(t, pidAlive(child), "group member should outlive the graceful signal")

	// the fixture's stop timeout is one second
	waitFor(t, func() bool { return !pidAlive(child) }, "group member survived the stop timeout")
}

func TestReapOrphansEmptiesLedger(t *testing.T) {
	dir := t.TempDir()
	l := ledger.New(filepath.Join(dir, "running_pids.txt"))

	orphan := exec.Command("sleep", "30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, orphan.Start())
	exited := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(exited)
	}()
	require.NoError(t, l.Add(orphan.Process.Pid))

	m := New(WithLedger(l), WithLogDir(filepath.Join(dir, "logs"), logger.Config{}))
	assert.Equal(t, 1, m.ReapOrphans())

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan survived reaping")
	}
	pids, err := l.PIDs()
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestShutdownAllKillsProcessesIgnoringTerm(t *testing.T) {
	f := newFixture(t, []config.Project{
		service("stubborn", "trap '' TERM; sleep 30", true),
		service("polite", "sleep 30", true),
	}, WithStopTimeout(300*time.Millisecond))
	require.NoError(t, f.m.Start("g", "stubborn"))
	require.NoError(t, f.m.Start("g", "polite"))

	begin := time.Now()
	f.m.ShutdownAll(context.Background())
	assert.Less(t, time.Since(begin), 3*time.Second)

	for _, id := range []string{"stubborn", "polite"} {
		assert.False(t, f.m.Running(id))
		assert.Equal(t, process.StatusStopped, f.m.Status(id).Status)
		sess, err := f.db.LastCompletedSession(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "stopped", *sess.ExitStatus)
	}
	pids, err := f.ledger.PIDs()
	require.NoError(t, err)
	assert.Empty(t, pids)

	err = f.m.Start("g", "polite")
	assert.ErrorIs(t, err, process.ErrSpawn)
}

func TestKillAll(t *testing.T) {
	f := newFixture(t, []config.Project{service("a", "sleep 30", true)})
	require.NoError(t, f.m.Start("g", "a"))
	pid := f.m.Status("a").PID

	f.m.KillAll()
	assert.False(t, f.m.Running("a"))
	waitFor(t, func() bool { return !f.m.platform.IsRunning(pid) }, "process survived KillAll")
	sess, err := f.db.LastCompletedSession(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "stopped", *sess.ExitStatus)
}

func TestOutputIsRelayed(t *testing.T) {
	f := newFixture(t, []config.Project{service("echo", "echo hello; echo oops 1>&2; printf '\\377'", false)})
	require.NoError(t, f.m.Start("g", "echo"))
	f.waitStatus(t, "echo", process.StatusStopped)

	waitFor(t, func() bool {
		return containsAll(f.sink.output("echo"), "hello", "oops", "\uFFFD")
	}, "output never relayed")

	sess, err := f.db.LastCompletedSession(context.Background(), "echo")
	require.NoError(t, err)
	waitFor(t, func() bool {
		logs, err := f.db.SessionLogs(context.Background(), sess.ID)
		if err != nil {
			return false
		}
		streams := map[string]bool{}
		for _, l := range logs {
			streams[l.Stream] = true
		}
		return streams["stdout"] && streams["stderr"]
	}, "logs not recorded")

	waitFor(t, func() bool {
		b, err := os.ReadFile(logger.ProjectLogPath(filepath.Join(f.dir, "logs"), "echo"))
		return err == nil && containsAll(string(b), "hello", "oops")
	}, "log file not written")
}

func TestChildEnvironment(t *testing.T) {
	p := service("env", `echo "$FORCE_COLOR-$CLICOLOR_FORCE-$APP_MODE"`, false)
	p.Env = map[string]string{"APP_MODE": "test"}
	f := newFixture(t, []config.Project{p})
	require.NoError(t, f.m.Start("g", "env"))
	waitFor(t, func() bool { return containsAll(f.sink.output("env"), "1-1-test") }, "env not applied")
}

func TestSpawnFailureLeavesNoEntry(t *testing.T) {
	p := service("broken", "sleep 30", false)
	p.Cwd = "/definitely/not/here"
	f := newFixture(t, []config.Project{p})

	err := f.m.Start("g", "broken")
	require.ErrorIs(t, err, process.ErrSpawn)
	assert.False(t, f.m.Running("broken"))
	_, active := f.m.reg.ActiveSession("broken")
	assert.False(t, active)

	sess, err := f.db.LastCompletedSession(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "errored", *sess.ExitStatus)
}

func TestStartLookupErrors(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "true", false)})
	assert.ErrorIs(t, f.m.Start("nope", "svc"), process.ErrGroupNotFound)
	assert.ErrorIs(t, f.m.Start("g", "nope"), process.ErrProjectNotFound)
	assert.ErrorIs(t, New().Start("g", "svc"), process.ErrGroupNotFound)
}

func TestRestartGivesNewPID(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 30", false)})
	require.NoError(t, f.m.Start("g", "svc"))
	first := f.m.Status("svc").PID

	require.NoError(t, f.m.Restart(context.Background(), "g", "svc"))
	second := f.m.Status("svc").PID
	assert.NotEqual(t, first, second)
	assert.True(t, f.m.Running("svc"))

	// restarting a stopped project just starts it
	require.NoError(t, f.m.Stop("svc"))
	f.waitStatus(t, "svc", process.StatusStopped)
	require.NoError(t, f.m.Restart(context.Background(), "g", "svc"))
	assert.True(t, f.m.Running("svc"))
}

func TestStdinAndResizeOnPipedProject(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 30", false)})
	assert.ErrorIs(t, f.m.WriteStdin("svc", []byte("x")), process.ErrNotRunning)
	assert.ErrorIs(t, f.m.ResizePTY("svc", 100, 40), process.ErrNotRunning)

	require.NoError(t, f.m.Start("g", "svc"))
	assert.NoError(t, f.m.WriteStdin("svc", []byte("x")))
	assert.NoError(t, f.m.ResizePTY("svc", 100, 40))
}

func TestInteractiveProject(t *testing.T) {
	p := service("tty", "cat", true)
	p.Interactive = true
	f := newFixture(t, []config.Project{p})
	if err := f.m.Start("g", "tty"); err != nil {
		if errors.Is(err, process.ErrSpawn) {
			t.Skipf("pty unavailable: %v", err)
		}
		t.Fatal(err)
	}
	require.NoError(t, f.m.ResizePTY("tty", 120, 40))
	require.NoError(t, f.m.WriteStdin("tty", []byte("ping\n")))
	waitFor(t, func() bool { return containsAll(f.sink.output("tty"), "ping") }, "pty echo missing")

	require.NoError(t, f.m.Stop("tty"))
	f.waitStatus(t, "tty", process.StatusStopped)
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, f.sink.runningPIDs("tty"), 1)
}

func TestInteractiveCrashIsErrored(t *testing.T) {
	p := service("tty", "exit 4", true)
	p.Interactive = true
	f := newFixture(t, []config.Project{p})
	if err := f.m.Start("g", "tty"); err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	f.waitStatus(t, "tty", process.StatusErrored)
}

func TestApplyStats(t *testing.T) {
	f := newFixture(t, []config.Project{service("svc", "sleep 30", false)})
	require.NoError(t, f.m.Start("g", "svc"))
	roots := f.m.RunningPIDs()
	require.Contains(t, roots, "svc")

	f.m.ApplyStats(map[string]metrics.Usage{
		"svc":   {CPU: 5, Memory: 1024},
		"ghost": {CPU: 1, Memory: 1},
	})
	info := f.m.Status("svc")
	assert.Equal(t, 5.0, info.CPUUsage)
	assert.Equal(t, uint64(1024), info.MemoryUsage)

	f.sink.mu.Lock()
	require.Len(t, f.sink.stats, 1)
	assert.Len(t, f.sink.stats[0], 1)
	f.sink.mu.Unlock()

	sid, ok := f.m.reg.ActiveSession("svc")
	require.True(t, ok)
	rows, err := f.db.SessionMetrics(context.Background(), sid)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStatusesSorted(t *testing.T) {
	f := newFixture(t, []config.Project{service("b", "true", false), service("a", "true", false)})
	require.NoError(t, f.m.Start("g", "b"))
	require.NoError(t, f.m.Start("g", "a"))
	f.waitStatus(t, "a", process.StatusStopped)
	f.waitStatus(t, "b", process.StatusStopped)
	st := f.m.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "a", st[0].ProjectID)
	assert.Equal(t, process.StatusStopped, f.m.Status("unknown").Status)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestRunningPIDsSkipsStoppingProjects(t *testing.T) {
	f := newFixture(t, []config.Project{
		service("stubborn", "trap '' TERM; sleep 30", false),
		service("other", "sleep 30", false),
	})
	require.NoError(t, f.m.Start("g", "stubborn"))
	require.NoError(t, f.m.Start("g", "other"))
	assert.Len(t, f.m.RunningPIDs(), 2)

	require.NoError(t, f.m.Stop("stubborn"))
	assert.True(t, f.m.Running("stubborn"))
	assert.Equal(t, process.StatusStopping, f.m.Status("stubborn").Status)
	roots := f.m.RunningPIDs()
	assert.NotContains(t, roots, "stubborn")
	assert.Contains(t, roots, "other")

	f.waitStatus(t, "stubborn", process.StatusStopped)
}

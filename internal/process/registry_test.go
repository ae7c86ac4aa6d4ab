package process

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func newManaged(id string) *Managed {
	return &Managed{Spec: Spec{ProjectID: id, GroupID: "g1", Command: "true"}, RealPID: 10}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	first := newManaged("p1")
	if err := r.Insert(first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.Insert(newManaged("p1"))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	got, _ := r.Get("p1")
	if got != first {
		t.Fatalf("existing entry was replaced")
	}
}

func TestConcurrentInsertKeepsOneEntry(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Insert(newManaged("p1")) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || r.Len() != 1 {
		t.Fatalf("expected exactly one winner, got %d (len %d)", wins.Load(), r.Len())
	}
}

func TestRemoveIfOnlyRemovesSameInstance(t *testing.T) {
	r := NewRegistry()
	old := newManaged("p1")
	_ = r.Insert(old)
	if !r.RemoveIf(old) {
		t.Fatalf("expected removal of current entry")
	}
	if r.RemoveIf(old) {
		t.Fatalf("second removal must fail")
	}
	fresh := newManaged("p1")
	_ = r.Insert(fresh)
	if r.RemoveIf(old) {
		t.Fatalf("stale instance removed a newer run")
	}
	if !r.Current(fresh) || r.Current(old) {
		t.Fatalf("Current reports wrong instance")
	}
}

func TestMarkManuallyStopped(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.MarkManuallyStopped("nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	m := newManaged("p1")
	_ = r.Insert(m)
	r.SetInfo(Info{ProjectID: "p1", Status: StatusRunning, PID: 5})
	if r.ManuallyStopped(m) {
		t.Fatalf("flag must start false")
	}
	_, info, err := r.MarkManuallyStopped("p1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !r.ManuallyStopped(m) {
		t.Fatalf("flag not set")
	}
	if info.Status != StatusStopping || info.PID != 5 {
		t.Fatalf("projection not moved to stopping: %+v", info)
	}
	if got, _ := r.Info("p1"); got.Status != StatusStopping {
		t.Fatalf("stored projection is %s", got.Status)
	}

	// a second stop request leaves the projection alone
	if _, info, _ := r.MarkManuallyStopped("p1"); info.Status != "" {
		t.Fatalf("unexpected change %+v", info)
	}
}

func TestMarkAllManuallyStopped(t *testing.T) {
	r := NewRegistry()
	a, b := newManaged("a"), newManaged("b")
	_ = r.Insert(a)
	_ = r.Insert(b)
	r.SetInfo(Info{ProjectID: "a", Status: StatusRunning})
	entries, changed := r.MarkAllManuallyStopped()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if len(changed) != 1 || changed[0].ProjectID != "a" || changed[0].Status != StatusStopping {
		t.Fatalf("unexpected projections %+v", changed)
	}
	if !r.ManuallyStopped(a) || !r.ManuallyStopped(b) {
		t.Fatalf("all entries must be flagged")
	}
}

func TestRunningPIDsSkipsStopping(t *testing.T) {
	r := NewRegistry()
	a, b := newManaged("a"), newManaged("b")
	a.RealPID, b.RealPID = 11, 12
	_ = r.Insert(a)
	_ = r.Insert(b)
	r.SetInfo(Info{ProjectID: "a", Status: StatusRunning, PID: 11})
	r.SetInfo(Info{ProjectID: "b", Status: StatusRunning, PID: 12})
	if _, _, err := r.MarkManuallyStopped("b"); err != nil {
		t.Fatal(err)
	}
	got := r.RunningPIDs()
	if len(got) != 1 || got["a"] != 11 {
		t.Fatalf("unexpected roots %v", got)
	}
}

func TestStopProjectionNeverOutlivesRun(t *testing.T) {
	r := NewRegistry()
	m := newManaged("p1")
	_ = r.Insert(m)
	r.SetInfo(Info{ProjectID: "p1", Status: StatusRunning, PID: 5})

	// the watcher closes the run before the stop request is processed
	r.RemoveIf(m)
	r.SetInfo(Info{ProjectID: "p1", Status: StatusStopped})
	if _, _, err := r.MarkManuallyStopped("p1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, ok := r.UpdateInfo("p1", func(i *Info) { i.Status = StatusStopping }); ok {
		t.Fatalf("update applied to a removed run")
	}
	if got, _ := r.Info("p1"); got.Status != StatusStopped {
		t.Fatalf("final projection overwritten: %+v", got)
	}
}

func TestInfoProjection(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.UpdateInfo("p1", func(*Info) {}); ok {
		t.Fatalf("update of unknown project must report false")
	}
	_ = r.Insert(newManaged("p1"))
	if _, ok := r.UpdateInfo("p1", func(*Info) {}); ok {
		t.Fatalf("update without a projection must report false")
	}
	r.SetInfo(Info{ProjectID: "p2", Status: StatusRunning, PID: 7})
	r.SetInfo(Info{ProjectID: "p1", Status: StatusRunning, PID: 5})
	info, ok := r.UpdateInfo("p1", func(i *Info) { i.CPUUsage = 12.5 })
	if !ok || info.CPUUsage != 12.5 {
		t.Fatalf("unexpected info %+v", info)
	}
	infos := r.Infos()
	if len(infos) != 2 || infos[0].ProjectID != "p1" || infos[1].ProjectID != "p2" {
		t.Fatalf("infos not ordered: %+v", infos)
	}
}

func TestActiveSessionGuard(t *testing.T) {
	r := NewRegistry()
	r.SetActiveSession("p1", "")
	if _, ok := r.ActiveSession("p1"); ok {
		t.Fatalf("empty session id must not be recorded")
	}
	r.SetActiveSession("p1", "s1")
	r.SetActiveSession("p1", "s2")
	r.ClearActiveSession("p1", "s1")
	if s, ok := r.ActiveSession("p1"); !ok || s != "s2" {
		t.Fatalf("stale clear removed newer session: %q %v", s, ok)
	}
	r.ClearActiveSession("p1", "s2")
	if _, ok := r.ActiveSession("p1"); ok {
		t.Fatalf("session not cleared")
	}
}

func TestStatusHelpers(t *testing.T) {
	if StatusRunning.Terminal() || StatusStopping.Terminal() {
		t.Fatalf("running/stopping are not terminal")
	}
	if !StatusStopped.Terminal() || !StatusErrored.Terminal() {
		t.Fatalf("stopped/errored are terminal")
	}
	if StatusErrored.ExitStatus() != "errored" || StatusStopped.ExitStatus() != "stopped" {
		t.Fatalf("unexpected exit classification")
	}
}

func TestParseProjectType(t *testing.T) {
	cases := map[string]ProjectType{"": TypeService, "Service": TypeService, "task": TypeTask}
	for in, want := range cases {
		got, err := ParseProjectType(in)
		if err != nil || got != want {
			t.Fatalf("ParseProjectType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseProjectType("cron"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestSpecValidate(t *testing.T) {
	if err := (Spec{Command: "x"}).Validate(); err == nil {
		t.Fatalf("missing project id must fail")
	}
	if err := (Spec{ProjectID: "p", Command: "  "}).Validate(); err == nil {
		t.Fatalf("blank command must fail")
	}
	if err := (Spec{ProjectID: "p", Command: "echo hi"}).Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

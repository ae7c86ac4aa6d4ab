package process

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Managed is the registry entry of a live project run.
//
// All fields except the manual-stop flag are set before the entry is inserted
// and never change afterwards. The flag is guarded by the owning Registry.
type Managed struct {
	Spec      Spec
	Handle    *Handle
	SessionID string
	// RealPID is the OS pid to signal.
	RealPID   int
	PTY       *os.File
	Stdin     io.Writer
	StartedAt time.Time

	manuallyStopped bool
}

func (m *Managed) ProjectID() string { return m.Spec.ProjectID }
func (m *Managed) GroupID() string   { return m.Spec.GroupID }
func (m *Managed) Interactive() bool { return m.Spec.Interactive }

// Registry maps project ids to live runs, status projections and active
// sessions. The lock is only held for map operations.
type Registry struct {
	mu       sync.Mutex
	procs    map[string]*Managed
	infos    map[string]Info
	sessions map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		procs:    make(map[string]*Managed),
		infos:    make(map[string]Info),
		sessions: make(map[string]string),
	}
}

// Insert adds m unless the project already has an entry.
func (r *Registry) Insert(m *Managed) error {
	id := m.ProjectID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	r.procs[id] = m
	return nil
}

func (r *Registry) Get(projectID string) (*Managed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.procs[projectID]
	return m, ok
}

func (r *Registry) Has(projectID string) bool {
	_, ok := r.Get(projectID)
	return ok
}

// Current reports whether m is still the entry registered for its project.
func (r *Registry) Current(m *Managed) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[m.ProjectID()] == m
}

// RemoveIf removes the entry for m's project only if it is m. The caller that
// gets true owns closing the run.
func (r *Registry) RemoveIf(m *Managed) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs[m.ProjectID()] != m {
		return false
	}
	delete(r.procs, m.ProjectID())
	return true
}

// MarkManuallyStopped sets the manual-stop flag and moves a running projection
// to stopping under one lock, so a watcher that closes the run concurrently
// always has the last word on the projection. The returned Info has status
// stopping only when the projection was changed.
func (r *Registry) MarkManuallyStopped(projectID string) (*Managed, Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.procs[projectID]
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrNotRunning, projectID)
	}
	m.manuallyStopped = true
	return m, r.toStopping(projectID), nil
}

func (r *Registry) toStopping(projectID string) Info {
	info, ok := r.infos[projectID]
	if !ok || info.Status != StatusRunning {
		return Info{}
	}
	info.Status = StatusStopping
	r.infos[projectID] = info
	return info
}

// ManuallyStopped reads the flag of m under the registry lock.
func (r *Registry) ManuallyStopped(m *Managed) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.manuallyStopped
}

// MarkAllManuallyStopped flags every entry, moves running projections to
// stopping and returns the entries with the projections that changed.
func (r *Registry) MarkAllManuallyStopped() ([]*Managed, []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Managed, 0, len(r.procs))
	var changed []Info
	for id, m := range r.procs {
		m.manuallyStopped = true
		out = append(out, m)
		if info := r.toStopping(id); info.Status == StatusStopping {
			changed = append(changed, info)
		}
	}
	return out, changed
}

// RunningPIDs maps each live project whose projection is running to its pid.
// Runs being stopped are left out.
func (r *Registry) RunningPIDs() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.procs))
	for id, m := range r.procs {
		if r.infos[id].Status == StatusRunning {
			out[id] = m.RealPID
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *Registry) SetInfo(info Info) {
	r.mu.Lock()
	r.infos[info.ProjectID] = info
	r.mu.Unlock()
}

// UpdateInfo mutates the projection of a live run in place. It returns false
// when the project has no live entry or no projection, so a late update can
// never overwrite the final projection written after the run was removed.
func (r *Registry) UpdateInfo(projectID string, fn func(*Info)) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.procs[projectID]; !live {
		return Info{}, false
	}
	info, ok := r.infos[projectID]
	if !ok {
		return Info{}, false
	}
	fn(&info)
	r.infos[projectID] = info
	return info, true
}

func (r *Registry) Info(projectID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[projectID]
	return info, ok
}

// Infos returns every projection ordered by project id.
func (r *Registry) Infos() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (r *Registry) SetActiveSession(projectID, sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[projectID] = sessionID
	r.mu.Unlock()
}

func (r *Registry) ActiveSession(projectID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// ClearActiveSession drops the mapping only while it still points at sessionID,
// so a late watcher cannot clear the session of a newer run.
func (r *Registry) ClearActiveSession(projectID, sessionID string) {
	r.mu.Lock()
	if r.sessions[projectID] == sessionID {
		delete(r.sessions, projectID)
	}
	r.mu.Unlock()
}

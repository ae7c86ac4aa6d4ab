package process

// Status is the lifecycle state reported for a project.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// Terminal reports whether s is a final state of a run.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusErrored }

// ExitStatus is the classification stored on a closed session.
func (s Status) ExitStatus() string {
	if s == StatusErrored {
		return "errored"
	}
	return "stopped"
}

// Info is the status projection of a project. It outlives the process it
// describes and keeps the last terminal state.
type Info struct {
	ProjectID   string  `json:"project_id"`
	Status      Status  `json:"status"`
	PID         int     `json:"pid,omitempty"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
}

package process

import (
	"errors"
	"fmt"
	"strings"
)

// ProjectType decides restart eligibility. Only services are restarted.
type ProjectType string

const (
	TypeService ProjectType = "service"
	TypeTask    ProjectType = "task"
)

// ParseProjectType accepts "service" and "task" case-insensitively. An empty
// value defaults to service.
func ParseProjectType(s string) (ProjectType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TypeService):
		return TypeService, nil
	case string(TypeTask):
		return TypeTask, nil
	}
	return "", fmt.Errorf("unknown project type %q", s)
}

// Spec is everything the spawner needs to launch one run of a project.
type Spec struct {
	ProjectID   string            `json:"project_id"`
	GroupID     string            `json:"group_id"`
	Command     string            `json:"command"`
	WorkDir     string            `json:"work_dir"`
	Env         map[string]string `json:"env"`
	AutoRestart bool              `json:"auto_restart"`
	Type        ProjectType       `json:"project_type"`
	Interactive bool              `json:"interactive"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("project %s: command is required", s.ProjectID)
	}
	return nil
}

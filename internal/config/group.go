package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loykin/procyard/internal/env"
	"github.com/loykin/procyard/internal/process"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// CheckID reports whether id can name a group or project. Project ids name
// per-project log files and both appear in API paths, so ids are limited to
// ASCII letters, digits, '.', '_' and '-', must not start with '.' or '-' and
// must not contain "..".
func CheckID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid id %q: use [A-Za-z0-9._-], no leading '.' or '-', no '..'", id)
	}
	return nil
}

// Group is a named set of projects sharing a directory and base environment.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Directory string    `json:"directory"`
	Env       env.Var   `json:"env_vars"`
	Projects  []Project `json:"projects"`
}

// Project is a single supervised command.
type Project struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Command     string              `json:"command"`
	Type        process.ProjectType `json:"project_type"`
	AutoRestart bool                `json:"auto_restart"`
	Cwd         string              `json:"cwd,omitempty"`
	Interactive bool                `json:"interactive"`
	Env         env.Var             `json:"env_vars"`
}

// Project returns the project with the given id.
func (g Group) Project(id string) (Project, bool) {
	for _, p := range g.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}

// ResolveWorkDir returns the directory p runs in: an absolute cwd wins, a
// relative cwd is joined onto the group directory, no cwd means the group
// directory.
func (g Group) ResolveWorkDir(p Project) string {
	switch {
	case p.Cwd == "":
		return g.Directory
	case filepath.IsAbs(p.Cwd):
		return p.Cwd
	default:
		return filepath.Join(g.Directory, p.Cwd)
	}
}

// MergedEnv overlays the project variables onto the group variables.
func (g Group) MergedEnv(p Project) env.Var {
	base := g.Env
	if base == nil {
		base = env.Var{}
	}
	return base.Overlay(p.Env)
}

// Spec resolves everything needed to spawn projectID.
func (g Group) Spec(projectID string) (process.Spec, error) {
	p, ok := g.Project(projectID)
	if !ok {
		return process.Spec{}, fmt.Errorf("%w: %s in group %s", process.ErrProjectNotFound, projectID, g.ID)
	}
	return process.Spec{
		ProjectID:   p.ID,
		GroupID:     g.ID,
		Command:     p.Command,
		WorkDir:     g.ResolveWorkDir(p),
		Env:         g.MergedEnv(p),
		AutoRestart: p.AutoRestart,
		Type:        p.Type,
		Interactive: p.Interactive,
	}, nil
}

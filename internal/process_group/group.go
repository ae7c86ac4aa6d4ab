// Package process_group starts, stops and reports on every project of a
// configured group at once.
package process_group

import (
	"errors"
	"fmt"

	"github.com/loykin/procyard/internal/manager"
	"github.com/loykin/procyard/internal/process"
)

// Group runs group-wide operations over a manager. Projects are handled in
// configuration order.
type Group struct {
	mgr *manager.Manager
	cfg manager.ConfigProvider
}

func New(mgr *manager.Manager, cfg manager.ConfigProvider) *Group {
	return &Group{mgr: mgr, cfg: cfg}
}

func (g *Group) projects(groupID string) ([]string, error) {
	if g.cfg == nil {
		return nil, fmt.Errorf("%w: %s", process.ErrGroupNotFound, groupID)
	}
	grp, ok := g.cfg.GetGroup(groupID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", process.ErrGroupNotFound, groupID)
	}
	ids := make([]string, 0, len(grp.Projects))
	for _, p := range grp.Projects {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Start starts every project of the group that is not already running and
// returns the ones it started. If a spawn fails, the projects started by this
// call are stopped again and the error is returned.
func (g *Group) Start(groupID string) ([]string, error) {
	ids, err := g.projects(groupID)
	if err != nil {
		return nil, err
	}
	started := make([]string, 0, len(ids))
	for _, id := range ids {
		err := g.mgr.Start(groupID, id)
		if errors.Is(err, process.ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = g.mgr.Stop(started[i])
			}
			return nil, fmt.Errorf("group %s start failed on %s: %w", groupID, id, err)
		}
		started = append(started, id)
	}
	return started, nil
}

// Stop stops every running project of the group, best-effort, and returns the
// ones it signalled along with the first error encountered.
func (g *Group) Stop(groupID string) ([]string, error) {
	ids, err := g.projects(groupID)
	if err != nil {
		return nil, err
	}
	var (
		stopped  []string
		firstErr error
	)
	for _, id := range ids {
		err := g.mgr.Stop(id)
		switch {
		case err == nil:
			stopped = append(stopped, id)
		case errors.Is(err, process.ErrNotRunning):
		case firstErr == nil:
			firstErr = err
		}
	}
	return stopped, firstErr
}

// Status returns the projection of every project in the group.
func (g *Group) Status(groupID string) ([]process.Info, error) {
	ids, err := g.projects(groupID)
	if err != nil {
		return nil, err
	}
	out := make([]process.Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.mgr.Status(id))
	}
	return out, nil
}

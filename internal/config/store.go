package config

import (
	"sync"
)

// Store is the in-memory config collaborator. It is safe for concurrent use
// and can be swapped wholesale when the config file changes.
type Store struct {
	mu     sync.RWMutex
	groups map[string]Group
	order  []string
}

func NewStore(groups []Group) *Store {
	s := &Store{}
	s.Replace(groups)
	return s
}

// Replace swaps the full group set.
func (s *Store) Replace(groups []Group) {
	m := make(map[string]Group, len(groups))
	order := make([]string, 0, len(groups))
	for _, g := range groups {
		if _, dup := m[g.ID]; !dup {
			order = append(order, g.ID)
		}
		m[g.ID] = g
	}
	s.mu.Lock()
	s.groups = m
	s.order = order
	s.mu.Unlock()
}

func (s *Store) GetGroup(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// Groups returns the groups in file order.
func (s *Store) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.groups[id])
	}
	return out
}

// FindProject looks a project up across all groups.
func (s *Store) FindProject(projectID string) (Group, Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		g := s.groups[id]
		if p, ok := g.Project(projectID); ok {
			return g, p, true
		}
	}
	return Group{}, Project{}, false
}

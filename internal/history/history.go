// Package history exports project lifecycle events to analytics backends.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event represents a lifecycle event to be exported to external systems.
// ExitStatus is empty for start events.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ProjectID  string    `json:"project_id"`
	GroupID    string    `json:"group_id"`
	SessionID  string    `json:"session_id,omitempty"`
	PID        int       `json:"pid"`
	ExitStatus string    `json:"exit_status,omitempty"`
	ExitCode   int       `json:"exit_code"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

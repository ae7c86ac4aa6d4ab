// Package events carries live notifications from the engine to its observers.
package events

import (
	"github.com/loykin/procyard/internal/process"
)

// Event names as seen by subscribers.
const (
	NameStatusChanged = "process-status-changed"
	NameLog           = "process-log"
	NameStatsUpdated  = "process-stats-updated"
)

type StatusChanged struct {
	ProjectID   string         `json:"project_id"`
	Status      process.Status `json:"status"`
	PID         int            `json:"pid,omitempty"`
	CPUUsage    float64        `json:"cpu_usage"`
	MemoryUsage uint64         `json:"memory_usage"`
}

// StatusFromInfo builds the notification for a projection.
func StatusFromInfo(info process.Info) StatusChanged {
	return StatusChanged{
		ProjectID:   info.ProjectID,
		Status:      info.Status,
		PID:         info.PID,
		CPUUsage:    info.CPUUsage,
		MemoryUsage: info.MemoryUsage,
	}
}

type Log struct {
	ProjectID string `json:"project_id"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Sink receives engine notifications. Implementations must not block.
type Sink interface {
	StatusChanged(StatusChanged)
	Log(Log)
	StatsUpdated([]process.Info)
}

// Envelope is the form delivered to Bus subscribers.
type Envelope struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Nop discards everything.
type Nop struct{}

func (Nop) StatusChanged(StatusChanged) {}
func (Nop) Log(Log)                     {}
func (Nop) StatsUpdated([]process.Info) {}

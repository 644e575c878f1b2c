// Package events fans job lifecycle notifications out to listeners:
// the SSE bridge, the CLI watcher, anything else on the bus. Emission
// is fire and forget; research never blocks on, or fails because of,
// delivery.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Type labels one kind of job lifecycle event.
type Type string

const (
	TypeStarted       Type = "started"
	TypeStepStarted   Type = "step_started"
	TypeStepCompleted Type = "step_completed"
	TypeStepFailed    Type = "step_failed"
	TypePhaseAdvanced Type = "phase_advanced"
	TypeLog           Type = "log"
	TypeCompleted     Type = "completed"
	TypeFailed        Type = "failed"
	TypeCancelled     Type = "cancelled"
)

// Event is one job lifecycle notification.
type Event struct {
	JobID     string             `json:"job_id"`
	Type      Type               `json:"type"`
	Step      research.StepKind  `json:"step,omitempty"`
	Status    research.JobStatus `json:"status,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	Phase     int                `json:"phase,omitempty"`
	Message   string             `json:"message,omitempty"`

	// Metrics carries small counters worth surfacing live: facts,
	// entities, searches, pending queries.
	Metrics map[string]int `json:"metrics,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Subject returns the bus subject one event type publishes to.
func Subject(jobID string, t Type) string {
	return "research.jobs." + jobID + "." + string(t)
}

// JobSubjects returns the wildcard subscription covering everything a
// job emits.
func JobSubjects(jobID string) string {
	return "research.jobs." + jobID + ".>"
}

// Emitter fans events out. Implementations must be safe for concurrent
// use and must never block the caller on delivery.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Capture retains events in emission order for assertions.
type Capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *Capture) Emit(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a snapshot of everything captured so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// ByType returns the captured events of one type, in order.
func (c *Capture) ByType(t Type) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

package history

import (
	"context"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventConflict EventType = "conflict"
	EventRecovery EventType = "recovery"
)

// Event represents a supervision event to be recorded for auditing.
// Detail carries the conflict message or exit error when present.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for supervision events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

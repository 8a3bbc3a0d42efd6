package session

import (
	"time"

	"github.com/banshee-data/spatial.session/internal/spatial/configsel"
)

// EventType classifies session-level events.
type EventType uint8

const (
	// EventStateChanged reports a lifecycle transition.
	EventStateChanged EventType = iota + 1
	// EventReset reports that the registry moved to a new epoch. Anchor
	// events of the new epoch follow on the anchor stream.
	EventReset
	// EventConfigured reports a newly resolved configuration.
	EventConfigured
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state-changed"
	case EventReset:
		return "reset"
	case EventConfigured:
		return "configured"
	default:
		return "unknown"
	}
}

// Event is published on the session stream.
type Event struct {
	Type          EventType
	From          State
	To            State
	Epoch         uint64
	Configuration configsel.Configuration
	At            time.Time
}

// ErrorEvent is published on the error stream for every failed command or
// operation and for tracker failures.
type ErrorEvent struct {
	Op  string
	Err error
	At  time.Time
}

func (e ErrorEvent) Error() string { return e.Op + ": " + e.Err.Error() }

func (e ErrorEvent) Unwrap() error { return e.Err }

package session

import (
	"fmt"

	"github.com/banshee-data/spatial.session/internal/spatial/errs"
)

// State is the session lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateInterrupted
	StateFailed
)

var stateNames = []string{"idle", "running", "paused", "interrupted", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Command is a lifecycle control command.
type Command uint8

const (
	CmdStart Command = iota
	CmdPause
	CmdStop
	CmdReset
	CmdInterrupt
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdPause:
		return "pause"
	case CmdStop:
		return "stop"
	case CmdReset:
		return "reset"
	case CmdInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Next is the lifecycle transition table. It returns the state cmd leads
// to from s. A nil error with next == s is a no-op. Configuration failures
// are not commands; they move any state to Failed.
//
//	          start    pause    stop     reset    interrupt
//	Idle      Running  invalid  Idle     Idle     invalid
//	Running   Running  Paused   Idle     Running  Interrupted
//	Paused    Running  invalid  Idle     Paused   invalid
//	Interr.   Running  invalid  Idle     Idle     Interrupted
//	Failed    failed   invalid  invalid  Idle     invalid
func Next(s State, cmd Command) (State, error) {
	invalid := func() (State, error) {
		return s, fmt.Errorf("%w: %s while %s", errs.ErrInvalidTransition, cmd, s)
	}
	switch cmd {
	case CmdStart:
		if s == StateFailed {
			return s, fmt.Errorf("start: %w", errs.ErrSessionFailed)
		}
		return StateRunning, nil
	case CmdPause:
		if s != StateRunning {
			return invalid()
		}
		return StatePaused, nil
	case CmdStop:
		if s == StateFailed {
			return invalid()
		}
		return StateIdle, nil
	case CmdReset:
		switch s {
		case StateRunning, StatePaused:
			return s, nil
		default:
			return StateIdle, nil
		}
	case CmdInterrupt:
		switch s {
		case StateRunning, StateInterrupted:
			return StateInterrupted, nil
		default:
			return invalid()
		}
	default:
		return invalid()
	}
}

package sal

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every rejected lifecycle command.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a CSC summary state. The numeric values are the salobj wire
// values and must not be reordered.
type State int

const (
	StateDisabled State = 1
	StateEnabled  State = 2
	StateFault    State = 3
	StateOffline  State = 4
	StateStandby  State = 5
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateEnabled:
		return "ENABLED"
	case StateFault:
		return "FAULT"
	case StateOffline:
		return "OFFLINE"
	case StateStandby:
		return "STANDBY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DisabledOrEnabled reports whether the state permits a hardware connection.
func (s State) DisabledOrEnabled() bool {
	return s == StateDisabled || s == StateEnabled
}

// ParseState accepts the canonical upper-case names used on the wire.
func ParseState(name string) (State, error) {
	switch name {
	case "DISABLED":
		return StateDisabled, nil
	case "ENABLED":
		return StateEnabled, nil
	case "FAULT":
		return StateFault, nil
	case "OFFLINE":
		return StateOffline, nil
	case "STANDBY":
		return StateStandby, nil
	default:
		return 0, fmt.Errorf("unknown summary state %q", name)
	}
}

// Command is the name of a CSC command topic.
type Command string

const (
	CommandStart       Command = "start"
	CommandEnable      Command = "enable"
	CommandDisable     Command = "disable"
	CommandStandby     Command = "standby"
	CommandExitControl Command = "exitControl"
	CommandSetLogLevel Command = "setLogLevel"
	CommandOpen        Command = "open"
	CommandClose       Command = "close"
)

// stateCommands maps each lifecycle command to its allowed source states
// and the state it transitions into.
var stateCommands = map[Command]struct {
	from []State
	to   State
}{
	CommandStart:       {from: []State{StateStandby}, to: StateDisabled},
	CommandEnable:      {from: []State{StateDisabled}, to: StateEnabled},
	CommandDisable:     {from: []State{StateEnabled}, to: StateDisabled},
	CommandStandby:     {from: []State{StateDisabled, StateFault}, to: StateStandby},
	CommandExitControl: {from: []State{StateStandby}, to: StateOffline},
}

// NextState validates a lifecycle command against the current state and
// returns the state it leads to. The current state is never mutated here;
// rejected commands leave the caller untouched.
func NextState(cmd Command, current State) (State, error) {
	t, ok := stateCommands[cmd]
	if !ok {
		return 0, fmt.Errorf("%q is not a lifecycle command", cmd)
	}
	for _, from := range t.from {
		if from == current {
			return t.to, nil
		}
	}
	return 0, fmt.Errorf("%w: command %s not allowed in state %s", ErrInvalidTransition, cmd, current)
}

// IsLifecycleCommand reports whether cmd drives a summary-state transition.
func IsLifecycleCommand(cmd Command) bool {
	_, ok := stateCommands[cmd]
	return ok
}

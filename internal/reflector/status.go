package reflector

import "fmt"

// Status is the reflector state reported on the status event topic: the
// connection states plus the actuator positions read back after actuation.
type Status int

const (
	StatusUnknown Status = iota
	StatusDisconnected
	StatusConnected
	StatusOpen
	StatusClosed
)

var statusNames = map[Status]string{
	StatusUnknown:      "UNKNOWN",
	StatusDisconnected: "DISCONNECTED",
	StatusConnected:    "CONNECTED",
	StatusOpen:         "OPEN",
	StatusClosed:       "CLOSED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText renders the canonical name, so the status travels as a string
// in JSON event payloads.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown reflector status %d", int(s))
	}
	return []byte(name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown reflector status %q", string(text))
}

package transport

import "fmt"

// State is the connection state of the transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is the externally visible connection status. Attempt is only
// meaningful while reconnecting, numbered from 1.
type Status struct {
	State   State
	Attempt int
}

func (st Status) String() string {
	if st.State == StateReconnecting {
		return fmt.Sprintf("reconnecting(%d)", st.Attempt)
	}
	return st.State.String()
}

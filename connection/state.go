package connection

// State represents the current state of the transport connection.
type State int

const (
	// StateDisconnected means no connection is established.
	StateDisconnected State = iota

	// StateConnecting means a connection attempt is in flight.
	StateConnecting

	// StateConnected means the connection is open and ready.
	StateConnected

	// StateError means reconnection attempts are exhausted. Only an
	// explicit Connect call leaves this state.
	StateError
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

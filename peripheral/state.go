package peripheral

// State is the connection lifecycle position of a session. Disconnected is
// both the initial and the terminal state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateDiscoveringCharacteristics:
		return "discovering_characteristics"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

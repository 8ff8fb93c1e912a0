package peripheral

import (
	"errors"
	"fmt"
)

// ConnectionState classifies a connection-related failure.
type ConnectionState string

const (
	NotConnected ConnectionState = "not_connected"
	NotReady     ConnectionState = "not_ready"
	Superseded   ConnectionState = "superseded"
	Cancelled    ConnectionState = "cancelled"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states.
var (
	ErrNotConnected = &ConnectionError{State: NotConnected}
	ErrNotReady     = &ConnectionError{State: NotReady, Msg: "serial channel not resolved"}
	ErrSuperseded   = &ConnectionError{State: Superseded, Msg: "connect attempt superseded by a newer one"}
	ErrCancelled    = &ConnectionError{State: Cancelled, Msg: "disconnected before connect completed"}
)

// IsConnectionState reports whether err is a ConnectionError with the
// given state.
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

package main

import (
	"errors"
	"fmt"

	"github.com/srg/bleserial/internal/transport"
	"github.com/srg/bleserial/peripheral"
)

// FormatUserError turns internal errors into actionable one-liners for
// terminal users.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimedOut):
		return "connection timed out; check that the module is powered and in range"
	case errors.Is(err, transport.ErrLinkLost):
		return "connection lost; the module went out of range or powered off"
	case errors.Is(err, peripheral.ErrSuperseded):
		return "connection attempt replaced by a newer one"
	case errors.Is(err, peripheral.ErrCancelled):
		return "connection cancelled"
	case errors.Is(err, peripheral.ErrNotConnected):
		return "not connected to the module"
	default:
		return fmt.Sprintf("%v", err)
	}
}

// Package transport defines the radio transport boundary: the operations the
// session layer issues against the BLE stack and the inbound events the stack
// delivers back. Production code uses the go-ble adapter in
// transport/goble; tests substitute a scripted fake.
package transport

import "errors"

// Handle is the transport-assigned stable identifier of a peripheral
// (the advertising address on go-ble backends).
type Handle = string

// Property is a bitmask of characteristic capabilities, mirroring the GATT
// property bits the stack reports.
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWriteWithoutResponse
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// CanNotify reports whether the peripheral can push value updates.
func (p Property) CanNotify() bool {
	return p&(PropertyNotify|PropertyIndicate) != 0
}

// CanWrite reports whether the characteristic accepts writes in any mode.
func (p Property) CanWrite() bool {
	return p&(PropertyWrite|PropertyWriteWithoutResponse) != 0
}

// Advertisement is the out-of-band metadata broadcast before connection.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []string // normalized
	RSSI         int
	Connectable  bool
}

// Service identifies a discovered GATT service.
type Service struct {
	UUID string // normalized
}

// Characteristic identifies a discovered characteristic and its owning
// service.
type Characteristic struct {
	UUID        string // normalized
	ServiceUUID string // normalized
	Properties  Property
}

// Operation errors surfaced through events or returned directly.
var (
	ErrTimedOut     = errors.New("connection timed out")
	ErrLinkLost     = errors.New("link lost")
	ErrNotSupported = errors.New("operation not supported by characteristic")
)

// Transport is the outbound half of the radio boundary. Calls are
// non-blocking: completion of connect/discovery operations is reported
// through the Events sink, never through return values. Methods returning
// an error only validate arguments and local state.
type Transport interface {
	// StartDiscovery begins advertisement scanning, filtered to the given
	// normalized service UUIDs (nil means unfiltered).
	StartDiscovery(serviceFilter []string) error
	// StopDiscovery halts scanning. No-op when not scanning.
	StopDiscovery() error

	// Connect requests a link to the peripheral. Outcome arrives as a
	// Connected or FailedToConnect event.
	Connect(h Handle)
	// CancelConnection tears down a link or aborts an in-flight connect.
	// Outcome arrives as a Disconnected event.
	CancelConnection(h Handle)

	// DiscoverServices requests an unfiltered service enumeration;
	// completion arrives as a ServicesDiscovered event.
	DiscoverServices(h Handle)
	// DiscoverCharacteristics enumerates the characteristics of one
	// service; completion arrives as a CharacteristicsDiscovered event.
	DiscoverCharacteristics(h Handle, svc Service)

	// SetNotify subscribes to or unsubscribes from value updates.
	SetNotify(h Handle, c Characteristic, enabled bool) error

	// Write sends data to the characteristic, without response when the
	// characteristic supports it.
	Write(h Handle, c Characteristic, data []byte) error
}

// Events is the inbound half of the radio boundary. Implementations must
// tolerate delivery from arbitrary stack goroutines; the central manager
// marshals every event onto the run loop before touching state.
type Events interface {
	DeviceDiscovered(h Handle, adv Advertisement)
	Connected(h Handle)
	Disconnected(h Handle, cause error)
	FailedToConnect(h Handle, cause error)
	ServicesDiscovered(h Handle, services []Service, err error)
	CharacteristicsDiscovered(h Handle, svc Service, chars []Characteristic, err error)
	ValueUpdated(h Handle, c Characteristic, data []byte, err error)
	NameUpdated(h Handle, name string)
}

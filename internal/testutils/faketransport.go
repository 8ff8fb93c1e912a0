package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/bleserial/internal/transport"
)

// FakePeripheral is the scripted GATT database behind one handle.
type FakePeripheral struct {
	Advertisement   transport.Advertisement
	Services        []transport.Service
	Characteristics map[string][]transport.Characteristic // keyed by service UUID
	ConnectErr      error                                 // delivered as FailedToConnect
}

// FakeTransport is a scripted transport.Transport. Every call is recorded;
// when AutoRespond is set, connect and discovery calls synchronously feed
// the matching completion event back into the sink, which marshals it onto
// the run loop. Tests can also fire events by hand through Sink().
type FakeTransport struct {
	mu sync.Mutex

	sink        transport.Events
	peripherals map[transport.Handle]*FakePeripheral
	calls       []string

	AutoRespond bool
	NotifyErr   error
	WriteErr    error

	scanning   bool
	scanFilter []string
	written    map[string][][]byte // keyed by characteristic UUID
	notifying  map[string]bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		peripherals: make(map[transport.Handle]*FakePeripheral),
		written:     make(map[string][][]byte),
		notifying:   make(map[string]bool),
		AutoRespond: true,
	}
}

// SetSink installs the event consumer, normally the central manager.
func (f *FakeTransport) SetSink(sink transport.Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// Sink exposes the installed event consumer for manual event injection.
func (f *FakeTransport) Sink() transport.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

// AddPeripheral scripts a device. Returns it for further mutation.
func (f *FakeTransport) AddPeripheral(h transport.Handle, p *FakePeripheral) *FakePeripheral {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Characteristics == nil {
		p.Characteristics = make(map[string][]transport.Characteristic)
	}
	f.peripherals[h] = p
	return p
}

// Advertise delivers the scripted advertisement for h to the sink.
func (f *FakeTransport) Advertise(h transport.Handle) {
	f.mu.Lock()
	p := f.peripherals[h]
	sink := f.sink
	f.mu.Unlock()
	if p != nil && sink != nil {
		sink.DeviceDiscovered(h, p.Advertisement)
	}
}

// Calls returns the recorded call log, e.g. "connect aa:bb".
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Written returns the payloads written to the given characteristic UUID.
func (f *FakeTransport) Written(charUUID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[charUUID]
}

// Notifying reports the last SetNotify state for the characteristic UUID.
func (f *FakeTransport) Notifying(charUUID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifying[charUUID]
}

// Scanning reports whether discovery is active.
func (f *FakeTransport) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// ScanFilter returns the service filter of the last StartDiscovery call.
func (f *FakeTransport) ScanFilter() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanFilter
}

func (f *FakeTransport) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// StartDiscovery implements transport.Transport.
func (f *FakeTransport) StartDiscovery(serviceFilter []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("startDiscovery %v", serviceFilter)
	f.scanning = true
	f.scanFilter = serviceFilter
	return nil
}

// StopDiscovery implements transport.Transport.
func (f *FakeTransport) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stopDiscovery")
	f.scanning = false
	return nil
}

// Connect implements transport.Transport.
func (f *FakeTransport) Connect(h transport.Handle) {
	f.mu.Lock()
	f.record("connect %s", h)
	p := f.peripherals[h]
	sink := f.sink
	auto := f.AutoRespond
	f.mu.Unlock()

	if !auto || sink == nil {
		return
	}
	switch {
	case p == nil:
		sink.FailedToConnect(h, fmt.Errorf("unknown peripheral %s", h))
	case p.ConnectErr != nil:
		sink.FailedToConnect(h, p.ConnectErr)
	default:
		sink.Connected(h)
	}
}

// CancelConnection implements transport.Transport.
func (f *FakeTransport) CancelConnection(h transport.Handle) {
	f.mu.Lock()
	f.record("cancelConnection %s", h)
	sink := f.sink
	auto := f.AutoRespond
	f.mu.Unlock()

	if auto && sink != nil {
		sink.Disconnected(h, nil)
	}
}

// DiscoverServices implements transport.Transport.
func (f *FakeTransport) DiscoverServices(h transport.Handle) {
	f.mu.Lock()
	f.record("discoverServices %s", h)
	p := f.peripherals[h]
	sink := f.sink
	auto := f.AutoRespond
	f.mu.Unlock()

	if !auto || sink == nil {
		return
	}
	if p == nil {
		sink.ServicesDiscovered(h, nil, fmt.Errorf("unknown peripheral %s", h))
		return
	}
	sink.ServicesDiscovered(h, p.Services, nil)
}

// DiscoverCharacteristics implements transport.Transport.
func (f *FakeTransport) DiscoverCharacteristics(h transport.Handle, svc transport.Service) {
	f.mu.Lock()
	f.record("discoverCharacteristics %s %s", h, svc.UUID)
	p := f.peripherals[h]
	sink := f.sink
	auto := f.AutoRespond
	f.mu.Unlock()

	if !auto || sink == nil {
		return
	}
	if p == nil {
		sink.CharacteristicsDiscovered(h, svc, nil, fmt.Errorf("unknown peripheral %s", h))
		return
	}
	sink.CharacteristicsDiscovered(h, svc, p.Characteristics[svc.UUID], nil)
}

// SetNotify implements transport.Transport.
func (f *FakeTransport) SetNotify(h transport.Handle, c transport.Characteristic, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setNotify %s %s %v", h, c.UUID, enabled)
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.notifying[c.UUID] = enabled
	return nil
}

// Write implements transport.Transport.
func (f *FakeTransport) Write(h transport.Handle, c transport.Characteristic, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write %s %s %d", h, c.UUID, len(data))
	if f.WriteErr != nil {
		return f.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written[c.UUID] = append(f.written[c.UUID], cp)
	return nil
}

// Package peripheral implements the per-device connection state machine:
// scan handle in, linear serial byte stream out. A session sequences the
// connect / service discovery / characteristic discovery handshake, resolves
// the serial characteristic, keeps exactly one notify subscription alive, and
// feeds inbound notifications into its receive buffer.
//
// All session state lives on the run loop. Public entry points assert loop
// affinity; the Handle* methods are invoked by the central manager after it
// has marshalled radio events onto the loop.
package peripheral

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/internal/transport"
	"github.com/srg/bleserial/serial"
)

// Observer receives session lifecycle callbacks. All callbacks fire on the
// run loop; implementations must not block it.
type Observer interface {
	// Connected fires once per successful connect cycle, after the serial
	// characteristic is resolved and subscribed.
	Connected(s *Session)
	// Disconnected fires on link teardown or link loss, never for a
	// connect attempt that failed before a link existed.
	Disconnected(s *Session, cause error)
	// FailedToConnect fires when the radio rejects or times out the link.
	FailedToConnect(s *Session, cause error)
	// BytesReceived fires after n bytes were appended to the receive
	// buffer.
	BytesReceived(s *Session, n int)
	// NameUpdated fires when the device renames itself, in any state.
	NameUpdated(s *Session, name string)
}

// Options selects the target device type and tuning knobs.
type Options struct {
	// ServiceUUID is the normalized serial service identifier (e.g.
	// "ffe0" for HM-10 family modules).
	ServiceUUID string
	// CharacteristicUUID optionally pins the serial characteristic within
	// the service; empty means first encountered.
	CharacteristicUUID string
	// BufferWarnBytes logs a warning when the receive buffer grows past
	// this size; 0 disables the watermark.
	BufferWarnBytes int
}

// Session is the per-device state machine. One session exists per distinct
// device identity known to the manager; it is reused across reconnects.
type Session struct {
	loop *runloop.Loop
	tr   transport.Transport
	log  *logrus.Entry
	opts Options

	id          transport.Handle
	name        string
	localName   string
	rssi        int
	advServices []string

	state    State
	complete func(error) // pending connect continuation, at most one

	pendingServices int
	gatt            *orderedmap.OrderedMap[string, []transport.Characteristic]
	active          *transport.Characteristic
	subscribed      bool

	buf      *serial.Buffer
	observer Observer
	warned   bool
}

// NewSession creates a session for a freshly discovered handle.
func NewSession(loop *runloop.Loop, tr transport.Transport, logger *logrus.Logger, opts Options, h transport.Handle, adv transport.Advertisement) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		loop:        loop,
		tr:          tr,
		log:         logger.WithField("device", h),
		opts:        opts,
		id:          h,
		localName:   adv.LocalName,
		rssi:        adv.RSSI,
		advServices: adv.ServiceUUIDs,
		state:       StateDisconnected,
		gatt:        orderedmap.New[string, []transport.Characteristic](),
	}
	s.buf = serial.NewBuffer(s.bytesAppended)
	return s
}

// ID returns the transport-assigned stable identifier.
func (s *Session) ID() transport.Handle { return s.id }

// Name returns the best available display name: the device-reported name,
// else the advertised local name, else the handle.
func (s *Session) Name() string {
	s.loop.Assert()
	if s.name != "" {
		return s.name
	}
	if s.localName != "" {
		return s.localName
	}
	return s.id
}

// LocalName returns the name extracted from advertisement metadata.
func (s *Session) LocalName() string {
	s.loop.Assert()
	return s.localName
}

// RSSI returns the last observed signal strength.
func (s *Session) RSSI() int {
	s.loop.Assert()
	return s.rssi
}

// AdvertisedServices returns the normalized service UUIDs from the last
// advertisement.
func (s *Session) AdvertisedServices() []string {
	s.loop.Assert()
	return s.advServices
}

// State returns the current connection state.
func (s *Session) State() State {
	s.loop.Assert()
	return s.state
}

// Busy reports whether the radio link is anything but idle. The manager
// pins busy sessions so the registry's weak references cannot lapse while
// radio operations are in flight.
func (s *Session) Busy() bool {
	s.loop.Assert()
	return s.state != StateDisconnected
}

// SetObserver installs the lifecycle observer. Nil clears it.
func (s *Session) SetObserver(o Observer) {
	s.loop.Assert()
	s.observer = o
}

// Connect starts a connect cycle. The completion is invoked exactly once:
// success when the session reaches Ready, failure on connect failure or on
// an explicit disconnect before completion. A connect issued while a prior
// attempt is in flight supersedes it: the prior continuation fails with
// ErrSuperseded and the link is torn down first.
func (s *Session) Connect(complete func(error)) {
	s.loop.Assert()

	if s.state != StateDisconnected {
		s.log.WithField("state", s.state).Info("Connect while busy, superseding prior attempt")
		if c := s.takeContinuation(); c != nil {
			c(ErrSuperseded)
		}
		s.teardownActive()
		s.tr.CancelConnection(s.id)
	}

	s.complete = complete
	s.setState(StateConnecting)
	s.tr.Connect(s.id)
}

// Disconnect tears the link down. A pending connect continuation fails with
// ErrCancelled. Safe to call redundantly: a no-op when already idle.
func (s *Session) Disconnect() {
	s.loop.Assert()

	if s.state == StateDisconnected || s.state == StateDisconnecting {
		return
	}

	if c := s.takeContinuation(); c != nil {
		c(ErrCancelled)
	}
	s.teardownActive()
	s.setState(StateDisconnecting)
	s.tr.CancelConnection(s.id)
}

// Write sends p over the serial characteristic. The session must be Ready
// with a resolved, writable characteristic.
func (s *Session) Write(p []byte) error {
	s.loop.Assert()

	if s.state != StateReady {
		return ErrNotConnected
	}
	if s.active == nil {
		return ErrNotReady
	}
	if !s.active.Properties.CanWrite() {
		return transport.ErrNotSupported
	}
	return s.tr.Write(s.id, *s.active, p)
}

// ReadByte removes and returns the next buffered byte.
func (s *Session) ReadByte() (byte, bool) {
	s.loop.Assert()
	return s.buf.ReadByte()
}

// ReadBytes removes and returns up to max buffered bytes (all when max <= 0).
func (s *Session) ReadBytes(max int) []byte {
	s.loop.Assert()
	return s.buf.ReadBytes(max)
}

// ReadText decodes and removes up to max buffered bytes; on decode failure
// nothing is removed and ok is false.
func (s *Session) ReadText(enc serial.Encoding, max int) (string, bool) {
	s.loop.Assert()
	return s.buf.ReadText(enc, max)
}

// HasBytesAvailable reports whether any bytes are buffered.
func (s *Session) HasBytesAvailable() bool {
	s.loop.Assert()
	return s.buf.HasBytes()
}

// BytesAvailable returns the buffered byte count.
func (s *Session) BytesAvailable() int {
	s.loop.Assert()
	return s.buf.Len()
}

// Services returns the discovered GATT table in discovery order as
// service UUID -> characteristics pairs.
func (s *Session) Services() []ServiceInfo {
	s.loop.Assert()

	out := make([]ServiceInfo, 0, s.gatt.Len())
	for pair := s.gatt.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, ServiceInfo{UUID: pair.Key, Characteristics: pair.Value})
	}
	return out
}

// ServiceInfo is one entry of the discovered GATT table.
type ServiceInfo struct {
	UUID            string
	Characteristics []transport.Characteristic
}

// ----------------------------
// Radio event handlers (manager-invoked, on loop)
// ----------------------------

// HandleConnected advances Connecting to service discovery.
func (s *Session) HandleConnected() {
	s.loop.Assert()

	if s.state != StateConnecting {
		s.log.WithField("state", s.state).Debug("connected event outside connect cycle, ignored")
		return
	}

	s.gatt = orderedmap.New[string, []transport.Characteristic]()
	s.setState(StateDiscoveringServices)
	s.tr.DiscoverServices(s.id)
}

// HandleServicesDiscovered records the service list and fans out one
// characteristic-discovery request per service. Zero services short-circuits
// straight to Ready. An enumeration error is logged and treated as "no
// services found", never as a fatal condition.
func (s *Session) HandleServicesDiscovered(services []transport.Service, err error) {
	s.loop.Assert()

	if s.state != StateDiscoveringServices {
		s.log.WithField("state", s.state).Debug("services event outside discovery, ignored")
		return
	}

	if err != nil {
		s.log.WithField("error", err).Warn("service discovery failed, treating as no services")
		services = nil
	}

	for _, svc := range services {
		s.gatt.Set(svc.UUID, nil)
	}

	if len(services) == 0 {
		s.becomeReady()
		return
	}

	s.pendingServices = len(services)
	s.setState(StateDiscoveringCharacteristics)
	for _, svc := range services {
		s.tr.DiscoverCharacteristics(s.id, svc)
	}
}

// HandleCharacteristicsDiscovered records one service's characteristics and
// transitions to Ready exactly once, when the last outstanding per-service
// discovery finishes. A per-service error is logged and treated as "no
// match for this service"; the sweep continues.
func (s *Session) HandleCharacteristicsDiscovered(svc transport.Service, chars []transport.Characteristic, err error) {
	s.loop.Assert()

	if s.state != StateDiscoveringCharacteristics {
		s.log.WithField("state", s.state).Debug("characteristics event outside discovery, ignored")
		return
	}

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"service": svc.UUID,
			"error":   err,
		}).Warn("characteristic discovery failed for service, skipping")
	} else {
		s.gatt.Set(svc.UUID, chars)
	}

	s.pendingServices--
	if s.pendingServices <= 0 {
		s.becomeReady()
	}
}

// HandleDisconnected processes radio-level link teardown. In Connecting it
// is the stale echo of a superseded attempt's teardown and is ignored;
// otherwise the session returns to Disconnected, unread bytes are discarded
// and the observer is notified.
func (s *Session) HandleDisconnected(cause error) {
	s.loop.Assert()

	switch s.state {
	case StateDisconnected:
		s.log.Debug("disconnected event while idle, ignored")
		return
	case StateConnecting:
		s.log.Debug("stale disconnect during connect, ignored")
		return
	}

	s.teardownActive()
	s.buf.Clear()
	s.warned = false
	s.setState(StateDisconnected)

	if c := s.takeContinuation(); c != nil {
		if cause != nil {
			c(cause)
		} else {
			c(ErrCancelled)
		}
	}
	if s.observer != nil {
		s.observer.Disconnected(s, cause)
	}
}

// HandleFailedToConnect processes a radio-level connect rejection. The
// continuation fails with the reported cause; no disconnect notification is
// emitted, failure-to-connect and disconnect are distinct outward signals.
func (s *Session) HandleFailedToConnect(cause error) {
	s.loop.Assert()

	switch s.state {
	case StateConnecting, StateDiscoveringServices, StateDiscoveringCharacteristics:
	case StateDisconnecting:
		// The attempt was cancelled by an explicit disconnect and the
		// radio reported the abort as a connect failure. Finish the
		// teardown as a plain disconnect.
		s.setState(StateDisconnected)
		if s.observer != nil {
			s.observer.Disconnected(s, nil)
		}
		return
	default:
		s.log.WithField("state", s.state).Debug("failed-to-connect event outside connect cycle, ignored")
		return
	}

	s.teardownActive()
	s.setState(StateDisconnected)

	if c := s.takeContinuation(); c != nil {
		c(cause)
	}
	if s.observer != nil {
		s.observer.FailedToConnect(s, cause)
	}
}

// HandleValueUpdated appends notification payloads to the receive buffer.
// Only the active serial characteristic feeds the buffer, and only in Ready.
func (s *Session) HandleValueUpdated(c transport.Characteristic, data []byte, err error) {
	s.loop.Assert()

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"characteristic": c.UUID,
			"error":          err,
		}).Warn("value update reported error, dropped")
		return
	}
	if s.state != StateReady || s.active == nil {
		return
	}
	if c.UUID != s.active.UUID || c.ServiceUUID != s.active.ServiceUUID {
		return
	}

	s.buf.Append(data)
}

// HandleNameUpdated records an out-of-band device rename and forwards it to
// the observer regardless of connection state.
func (s *Session) HandleNameUpdated(name string) {
	s.loop.Assert()

	s.name = name
	if s.observer != nil {
		s.observer.NameUpdated(s, name)
	}
}

// HandleAdvertisement refreshes identity fields from a rediscovery.
func (s *Session) HandleAdvertisement(adv transport.Advertisement) {
	s.loop.Assert()

	if adv.LocalName != "" {
		s.localName = adv.LocalName
	}
	if len(adv.ServiceUUIDs) > 0 {
		s.advServices = adv.ServiceUUIDs
	}
	s.rssi = adv.RSSI
}

// ----------------------------
// Internals
// ----------------------------

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.WithFields(logrus.Fields{
		"from": s.state,
		"to":   next,
	}).Debug("session state changed")
	s.state = next
}

// takeContinuation clears and returns the pending continuation, guaranteeing
// single consumption.
func (s *Session) takeContinuation() func(error) {
	c := s.complete
	s.complete = nil
	return c
}

// becomeReady resolves the serial characteristic, swaps the notify
// subscription over to it, and fires both completion surfaces.
func (s *Session) becomeReady() {
	next := s.selectSerialCharacteristic()

	if s.subscribed && s.active != nil && (next == nil || *next != *s.active) {
		if err := s.tr.SetNotify(s.id, *s.active, false); err != nil {
			s.log.WithField("error", err).Warn("failed to cancel previous subscription")
		}
		s.subscribed = false
	}

	s.active = next
	if next == nil {
		s.log.WithField("service", s.opts.ServiceUUID).Warn("no serial characteristic found")
	} else if next.Properties.CanNotify() && !s.subscribed {
		if err := s.tr.SetNotify(s.id, *next, true); err != nil {
			s.log.WithFields(logrus.Fields{
				"characteristic": next.UUID,
				"error":          err,
			}).Error("failed to subscribe to serial characteristic")
		} else {
			s.subscribed = true
			s.log.WithField("characteristic", next.UUID).Info("serial channel subscribed")
		}
	}

	s.setState(StateReady)

	if c := s.takeContinuation(); c != nil {
		c(nil)
	}
	if s.observer != nil {
		s.observer.Connected(s)
	}
}

// selectSerialCharacteristic picks the active serial channel: the preferred
// characteristic under the configured serial service when present, else the
// first one encountered during discovery.
func (s *Session) selectSerialCharacteristic() *transport.Characteristic {
	chars, ok := s.gatt.Get(s.opts.ServiceUUID)
	if !ok || len(chars) == 0 {
		return nil
	}

	if s.opts.CharacteristicUUID != "" {
		for i := range chars {
			if chars[i].UUID == s.opts.CharacteristicUUID {
				return &chars[i]
			}
		}
	}
	return &chars[0]
}

// teardownActive cancels the notify subscription (best effort, the link may
// already be gone) and clears the active characteristic reference.
func (s *Session) teardownActive() {
	if s.subscribed && s.active != nil {
		if err := s.tr.SetNotify(s.id, *s.active, false); err != nil {
			s.log.WithField("error", err).Debug("unsubscribe during teardown failed")
		}
	}
	s.subscribed = false
	s.active = nil
}

// bytesAppended is the buffer delegate: forwards the appended length to the
// observer and logs once past the configured watermark.
func (s *Session) bytesAppended(n int) {
	if s.opts.BufferWarnBytes > 0 && !s.warned && s.buf.Len() > s.opts.BufferWarnBytes {
		s.warned = true
		s.log.WithFields(logrus.Fields{
			"buffered":  s.buf.Len(),
			"watermark": s.opts.BufferWarnBytes,
		}).Warn("receive buffer grew past watermark, is anyone reading?")
	}
	if s.observer != nil {
		s.observer.BytesReceived(s, n)
	}
}

// Package central owns device discovery and the session registry. The
// Manager enumerates advertising devices, maps radio handles to peripheral
// sessions, routes radio events to the right session, and drives
// connect/disconnect requests.
//
// The registry holds only weak references: a session's true lifetime is
// governed by the application's reference and the radio link, never by
// registry membership. Sessions with a busy radio link are pinned strongly
// until a deferred cleanup (cleanupDelay after disconnect) so rapid
// reconnects reuse session state.
package central

import (
	"time"
	"weak"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleserial/internal/ringchan"
	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/internal/transport"
	"github.com/srg/bleserial/peripheral"
)

// DeviceEventType marks whether a discovery event is for a new or a known
// device.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is a discovery notification delivered on the events channel.
type DeviceEvent struct {
	Type    DeviceEventType
	Session *peripheral.Session
}

// ScanObserver receives discovery callbacks on the run loop.
type ScanObserver interface {
	DeviceDiscovered(s *peripheral.Session)
}

// Options configures the manager.
type Options struct {
	// Session selects the target device type (serial service, preferred
	// characteristic) for every created session.
	Session peripheral.Options
	// CleanupDelay defers registry cleanup after a disconnect so a quick
	// reconnect finds its session still alive. Zero means 1s.
	CleanupDelay time.Duration
	// EventBufferSize bounds the discovery events channel. Zero means 100.
	EventBufferSize int
}

const (
	defaultCleanupDelay    = time.Second
	defaultEventBufferSize = 100
)

type pin struct {
	session *peripheral.Session
	release *runloop.Timer
}

// Manager is the device registry and scanner. All public methods must be
// invoked on the run loop.
type Manager struct {
	loop *runloop.Loop
	tr   transport.Transport
	log  *logrus.Logger
	opts Options

	registry *hashmap.Map[transport.Handle, weak.Pointer[peripheral.Session]]
	pinned   map[transport.Handle]*pin

	scanning  bool
	scanTimer *runloop.Timer

	observer ScanObserver
	events   *ringchan.RingChannel[DeviceEvent]
}

// NewManager creates a manager bound to a run loop and radio transport.
// The transport's event sink must be wired to this manager (see Events
// sink methods below).
func NewManager(loop *runloop.Loop, tr transport.Transport, logger *logrus.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = defaultCleanupDelay
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = defaultEventBufferSize
	}
	return &Manager{
		loop:     loop,
		tr:       tr,
		log:      logger,
		opts:     opts,
		registry: hashmap.New[transport.Handle, weak.Pointer[peripheral.Session]](),
		pinned:   make(map[transport.Handle]*pin),
		events:   ringchan.New[DeviceEvent](opts.EventBufferSize),
	}
}

// SetScanObserver installs the discovery observer. Nil clears it.
func (m *Manager) SetScanObserver(o ScanObserver) {
	m.loop.Assert()
	m.observer = o
}

// Events returns the lossy discovery event channel for off-loop consumers.
func (m *Manager) Events() <-chan DeviceEvent {
	return m.events.C()
}

// Scanning reports whether a scan is in progress.
func (m *Manager) Scanning() bool {
	m.loop.Assert()
	return m.scanning
}

// StartScan begins device discovery filtered to the configured serial
// service. A non-zero timeout schedules an automatic StopScan. No-op when
// already scanning.
func (m *Manager) StartScan(timeout time.Duration) error {
	m.loop.Assert()

	if m.scanning {
		m.log.Debug("scan already in progress, ignoring StartScan")
		return nil
	}

	var filter []string
	if m.opts.Session.ServiceUUID != "" {
		filter = []string{m.opts.Session.ServiceUUID}
	}
	if err := m.tr.StartDiscovery(filter); err != nil {
		return err
	}

	m.scanning = true
	if timeout > 0 {
		m.scanTimer = m.loop.After(timeout, func() {
			m.log.WithField("timeout", timeout).Info("scan timeout elapsed")
			m.StopScan()
		})
	}
	m.log.WithField("service", m.opts.Session.ServiceUUID).Info("BLE scan started")
	return nil
}

// StopScan halts discovery, cancels a pending scan timeout, and schedules
// deferred registry cleanup. No-op when not scanning.
func (m *Manager) StopScan() {
	m.loop.Assert()

	if !m.scanning {
		return
	}
	m.scanning = false

	m.scanTimer.Stop()
	m.scanTimer = nil

	if err := m.tr.StopDiscovery(); err != nil {
		m.log.WithField("error", err).Warn("failed to stop discovery")
	}
	m.loop.After(m.opts.CleanupDelay, m.purgeDead)
	m.log.Info("BLE scan stopped")
}

// Connect starts a connect cycle on the session. A session already
// mid-connection is forced to disconnect first, guaranteeing at most one
// in-flight attempt. The session is pinned until the link goes idle again.
func (m *Manager) Connect(s *peripheral.Session, complete func(error)) {
	m.loop.Assert()

	m.pin(s)
	s.Connect(complete)
}

// Disconnect tears down the session's link when it is not already idle.
// Always safe to call redundantly.
func (m *Manager) Disconnect(s *peripheral.Session) {
	m.loop.Assert()

	if !s.Busy() {
		return
	}
	s.Disconnect()
}

// Sessions returns the live registered sessions.
func (m *Manager) Sessions() []*peripheral.Session {
	m.loop.Assert()

	out := make([]*peripheral.Session, 0, m.registry.Len())
	m.registry.Range(func(_ transport.Handle, ref weak.Pointer[peripheral.Session]) bool {
		if s := ref.Value(); s != nil {
			out = append(out, s)
		}
		return true
	})
	return out
}

// SessionFor returns the session registered for the handle, creating and
// registering one when the device has not been seen in a scan. Lets callers
// connect to a module by address alone.
func (m *Manager) SessionFor(h transport.Handle) *peripheral.Session {
	m.loop.Assert()

	if s := m.resolve(h); s != nil {
		return s
	}
	s := peripheral.NewSession(m.loop, m.tr, m.log, m.opts.Session, h, transport.Advertisement{})
	m.registry.Set(h, weak.Make(s))
	return s
}

// ----------------------------
// transport.Events sink
// ----------------------------
//
// The radio stack delivers these from arbitrary goroutines; each is
// marshalled onto the run loop before any session or registry state is
// touched.

func (m *Manager) DeviceDiscovered(h transport.Handle, adv transport.Advertisement) {
	m.loop.Post(func() { m.handleDeviceDiscovered(h, adv) })
}

func (m *Manager) Connected(h transport.Handle) {
	m.loop.Post(func() {
		if s := m.lookup(h, "connected"); s != nil {
			s.HandleConnected()
		}
	})
}

func (m *Manager) Disconnected(h transport.Handle, cause error) {
	m.loop.Post(func() {
		if s := m.lookup(h, "disconnected"); s != nil {
			s.HandleDisconnected(cause)
			m.scheduleRelease(s)
		}
	})
}

func (m *Manager) FailedToConnect(h transport.Handle, cause error) {
	m.loop.Post(func() {
		if s := m.lookup(h, "failed_to_connect"); s != nil {
			s.HandleFailedToConnect(cause)
			m.scheduleRelease(s)
		}
	})
}

func (m *Manager) ServicesDiscovered(h transport.Handle, services []transport.Service, err error) {
	m.loop.Post(func() {
		if s := m.lookup(h, "services_discovered"); s != nil {
			s.HandleServicesDiscovered(services, err)
		}
	})
}

func (m *Manager) CharacteristicsDiscovered(h transport.Handle, svc transport.Service, chars []transport.Characteristic, err error) {
	m.loop.Post(func() {
		if s := m.lookup(h, "characteristics_discovered"); s != nil {
			s.HandleCharacteristicsDiscovered(svc, chars, err)
		}
	})
}

func (m *Manager) ValueUpdated(h transport.Handle, c transport.Characteristic, data []byte, err error) {
	m.loop.Post(func() {
		if s := m.lookup(h, "value_updated"); s != nil {
			s.HandleValueUpdated(c, data, err)
		}
	})
}

func (m *Manager) NameUpdated(h transport.Handle, name string) {
	m.loop.Post(func() {
		if s := m.lookup(h, "name_updated"); s != nil {
			s.HandleNameUpdated(name)
		}
	})
}

// ----------------------------
// Internals (on loop)
// ----------------------------

func (m *Manager) handleDeviceDiscovered(h transport.Handle, adv transport.Advertisement) {
	event := DeviceEvent{Type: EventUpdated}

	s := m.resolve(h)
	if s == nil {
		s = peripheral.NewSession(m.loop, m.tr, m.log, m.opts.Session, h, adv)
		m.registry.Set(h, weak.Make(s))
		event.Type = EventNew
		m.log.WithFields(logrus.Fields{
			"device": s.Name(),
			"rssi":   adv.RSSI,
		}).Info("Discovered new device")
	} else {
		s.HandleAdvertisement(adv)
	}
	event.Session = s

	m.purgeDead()

	if m.observer != nil {
		m.observer.DeviceDiscovered(s)
	}
	m.events.Send(event)
}

// resolve returns the live session for a handle, or nil.
func (m *Manager) resolve(h transport.Handle) *peripheral.Session {
	ref, ok := m.registry.Get(h)
	if !ok {
		return nil
	}
	return ref.Value()
}

// lookup resolves a handle for event routing. A miss is logged and the
// event dropped: the radio layer may deliver stale events after a session
// has been collected, which must never be fatal.
func (m *Manager) lookup(h transport.Handle, event string) *peripheral.Session {
	s := m.resolve(h)
	if s == nil {
		m.log.WithFields(logrus.Fields{
			"handle": h,
			"event":  event,
		}).Warn("radio event for unknown session, ignored")
	}
	return s
}

// pin holds a strong reference while the radio link is busy so the weak
// registry entry cannot lapse mid-operation.
func (m *Manager) pin(s *peripheral.Session) {
	if p, ok := m.pinned[s.ID()]; ok {
		p.release.Stop()
		p.release = nil
		return
	}
	m.pinned[s.ID()] = &pin{session: s}
	if _, ok := m.registry.Get(s.ID()); !ok {
		// Externally-created session (not seen in a scan); register it
		// so event routing works.
		m.registry.Set(s.ID(), weak.Make(s))
	}
}

// scheduleRelease drops the pin cleanupDelay after the link went idle,
// unless a reconnect made the session busy again in the meantime.
func (m *Manager) scheduleRelease(s *peripheral.Session) {
	p, ok := m.pinned[s.ID()]
	if !ok {
		return
	}
	p.release.Stop()
	p.release = m.loop.After(m.opts.CleanupDelay, func() {
		if p.session.Busy() {
			return
		}
		delete(m.pinned, p.session.ID())
		m.purgeDead()
	})
}

// purgeDead removes registry entries whose session has been collected.
func (m *Manager) purgeDead() {
	var dead []transport.Handle
	m.registry.Range(func(h transport.Handle, ref weak.Pointer[peripheral.Session]) bool {
		if ref.Value() == nil {
			dead = append(dead, h)
		}
		return true
	})
	for _, h := range dead {
		m.registry.Del(h)
		m.log.WithField("handle", h).Debug("purged dead registry entry")
	}
}

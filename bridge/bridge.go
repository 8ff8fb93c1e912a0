// Package bridge connects a BLE serial session to a local pseudo-terminal.
// Bytes notified by the module appear on the tty slave and bytes written to
// the tty are sent back over the serial characteristic, so any program that
// speaks to a serial device can talk to the module unchanged.
package bridge

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleserial/central"
	"github.com/srg/bleserial/internal/ptyio"
	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/peripheral"
)

// Options tunes the bridge buffers. Zero values use defaults.
type Options struct {
	// RingSize is the capacity, in chunks, of the staging ring between the
	// run loop and the pty writer.
	RingSize uint32
	// WriteCap is the pty write queue capacity in bytes.
	WriteCap int
}

const defaultRingSize = 256

// Bridge pumps bytes between one session and one pty pair.
type Bridge struct {
	loop    *runloop.Loop
	manager *central.Manager
	session *peripheral.Session
	log     *logrus.Entry

	pty       *ptyio.PTY
	collector *chunkCollector

	done chan struct{}
}

// New builds a bridge for the given session. The pty pair is opened
// immediately; Start installs the observer and begins pumping.
func New(loop *runloop.Loop, manager *central.Manager, session *peripheral.Session, logger *logrus.Logger, opts Options) (*Bridge, error) {
	if opts.RingSize == 0 {
		opts.RingSize = defaultRingSize
	}

	b := &Bridge{
		loop:    loop,
		manager: manager,
		session: session,
		log: logger.WithFields(logrus.Fields{
			"component": "bridge",
			"device":    session.ID(),
		}),
		done: make(chan struct{}),
	}

	collector, err := newChunkCollector(opts.RingSize, b.writeToTTY)
	if err != nil {
		return nil, err
	}
	b.collector = collector

	p, err := ptyio.New(ptyio.Options{
		WriteCap: opts.WriteCap,
		Logger:   logger,
		OnData:   b.onTTYData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}
	b.pty = p
	return b, nil
}

// TTYName returns the slave device path clients should open.
func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// Done is closed when the session disconnects and the bridge shuts down
// its pumps.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Metrics reports the staging ring counters.
func (b *Bridge) Metrics() CollectorMetrics { return b.collector.Metrics() }

// Start begins pumping. The session must already be managed by the central
// manager; the bridge becomes its observer.
func (b *Bridge) Start() error {
	if err := b.collector.Start(); err != nil {
		return err
	}
	b.loop.Do(func() {
		b.session.SetObserver(b)
	})
	b.log.WithField("tty", b.pty.TTYName()).Info("bridge started")
	return nil
}

// Close stops the pumps, detaches the observer, tears down the link and
// closes the pty pair.
func (b *Bridge) Close() error {
	b.loop.Do(func() {
		b.session.SetObserver(nil)
		b.manager.Disconnect(b.session)
	})
	if err := b.collector.Stop(); err != nil {
		b.log.WithField("error", err).Warn("collector stop failed")
	}
	return b.pty.Close()
}

// Connected implements peripheral.Observer.
func (b *Bridge) Connected(s *peripheral.Session) {
	b.log.WithField("name", s.Name()).Info("serial link established")
}

// Disconnected implements peripheral.Observer. The bridge does not
// reconnect; it signals Done and lets the caller decide.
func (b *Bridge) Disconnected(s *peripheral.Session, cause error) {
	if cause != nil {
		b.log.WithField("cause", cause).Warn("serial link lost")
	} else {
		b.log.Info("serial link closed")
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// FailedToConnect implements peripheral.Observer.
func (b *Bridge) FailedToConnect(s *peripheral.Session, cause error) {
	b.log.WithField("cause", cause).Error("connect failed")
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// BytesReceived implements peripheral.Observer. Runs on the loop: drain the
// session buffer and hand the chunk to the collector so the loop never
// waits on the tty.
func (b *Bridge) BytesReceived(s *peripheral.Session, n int) {
	chunk := s.ReadBytes(0)
	if len(chunk) == 0 {
		return
	}
	if err := b.collector.Push(chunk); err != nil {
		b.log.WithField("error", err).Error("failed to stage received bytes")
	}
}

// NameUpdated implements peripheral.Observer.
func (b *Bridge) NameUpdated(s *peripheral.Session, name string) {
	b.log.WithField("name", name).Debug("device renamed")
}

// writeToTTY runs on the collector goroutine.
func (b *Bridge) writeToTTY(chunk []byte) {
	if _, err := b.pty.Write(chunk); err != nil {
		b.log.WithField("error", err).Error("pty write failed")
	}
}

// onTTYData runs on the pty read goroutine; the slice is reused, so copy
// before hopping onto the loop.
func (b *Bridge) onTTYData(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.loop.Post(func() {
		if err := b.session.Write(chunk); err != nil {
			b.log.WithField("error", err).Debug("dropping tty bytes, session not writable")
		}
	})
}

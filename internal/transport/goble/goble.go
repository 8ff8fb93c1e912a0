// Package goble adapts go-ble to the transport boundary. Blocking go-ble
// calls (dial, discovery) run on named goroutines and report their outcome
// through the event sink; the central manager marshals those events onto the
// run loop.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleserial/internal/groutine"
	"github.com/srg/bleserial/internal/transport"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 30 * time.Second

// conn is the per-handle live link state.
type conn struct {
	client     ble.Client
	cancelDial context.CancelFunc
	cancelled  bool // CancelConnection was requested
	services   map[string]*ble.Service
	chars      map[string]*ble.Characteristic // svcUUID + "/" + charUUID
}

// Radio implements transport.Transport on go-ble.
type Radio struct {
	log            *logrus.Logger
	connectTimeout time.Duration

	mu    sync.Mutex
	sink  transport.Events
	dev   ble.Device
	scan  context.CancelFunc
	conns map[transport.Handle]*conn
}

// New creates a radio backed by the default BLE device.
func New(logger *logrus.Logger, connectTimeout time.Duration) (*Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	return &Radio{
		log:            logger,
		connectTimeout: connectTimeout,
		dev:            dev,
		conns:          make(map[transport.Handle]*conn),
	}, nil
}

// SetSink wires the event sink. Must be called before any operation.
func (r *Radio) SetSink(sink transport.Events) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Radio) events() transport.Events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// StartDiscovery begins advertisement scanning filtered to the given
// normalized service UUIDs. No-op when already scanning.
func (r *Radio) StartDiscovery(serviceFilter []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sink == nil {
		return fmt.Errorf("goble: no event sink wired")
	}
	if r.scan != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.scan = cancel

	filter := append([]string(nil), serviceFilter...)
	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := ble.Scan(ctx, true, r.handleAdvertisement, advFilter(filter))
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			r.log.WithField("error", err).Error("BLE scan terminated")
		}
	})
	return nil
}

// StopDiscovery halts scanning. No-op when not scanning.
func (r *Radio) StopDiscovery() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scan != nil {
		r.scan()
		r.scan = nil
	}
	return nil
}

func advFilter(serviceFilter []string) ble.AdvFilter {
	if len(serviceFilter) == 0 {
		return nil
	}
	return func(adv ble.Advertisement) bool {
		for _, svc := range adv.Services() {
			norm := transport.NormalizeUUID(svc.String())
			for _, want := range serviceFilter {
				if norm == want {
					return true
				}
			}
		}
		return false
	}
}

func (r *Radio) handleAdvertisement(adv ble.Advertisement) {
	services := make([]string, 0, len(adv.Services()))
	for _, svc := range adv.Services() {
		services = append(services, transport.NormalizeUUID(svc.String()))
	}
	r.events().DeviceDiscovered(adv.Addr().String(), transport.Advertisement{
		LocalName:    adv.LocalName(),
		ServiceUUIDs: services,
		RSSI:         adv.RSSI(),
		Connectable:  adv.Connectable(),
	})
}

// Connect dials the peripheral. Outcome is delivered as a Connected or
// FailedToConnect event; a dial aborted by CancelConnection is delivered
// as a Disconnected event.
func (r *Radio) Connect(h transport.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)

	r.mu.Lock()
	c := &conn{cancelDial: cancel}
	r.conns[h] = c
	r.mu.Unlock()

	groutine.Go(nil, "goble-dial", func(context.Context) {
		defer cancel()
		client, err := ble.Dial(ctx, ble.NewAddr(h))

		r.mu.Lock()
		cancelled := c.cancelled
		if err == nil && !cancelled {
			c.client = client
			c.cancelDial = nil
			c.services = make(map[string]*ble.Service)
			c.chars = make(map[string]*ble.Characteristic)
		} else if r.conns[h] == c {
			delete(r.conns, h)
		}
		r.mu.Unlock()

		if err != nil {
			if cancelled {
				r.events().Disconnected(h, nil)
			} else {
				r.events().FailedToConnect(h, dialError(err))
			}
			return
		}
		if cancelled {
			_ = client.CancelConnection()
			r.events().Disconnected(h, nil)
			return
		}

		// Watch for link loss for the lifetime of the client.
		groutine.Go(nil, "goble-linkwatch", func(context.Context) {
			<-client.Disconnected()
			r.mu.Lock()
			expected := c.cancelled
			if r.conns[h] == c {
				delete(r.conns, h)
			}
			r.mu.Unlock()

			if expected {
				r.events().Disconnected(h, nil)
			} else {
				r.events().Disconnected(h, transport.ErrLinkLost)
			}
		})

		r.events().Connected(h)
	})
}

func dialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transport.ErrTimedOut, err)
	}
	return err
}

// CancelConnection tears down the link, or aborts an in-flight dial.
func (r *Radio) CancelConnection(h transport.Handle) {
	r.mu.Lock()
	c, ok := r.conns[h]
	if !ok {
		r.mu.Unlock()
		// Nothing in flight; report the teardown as done so the state
		// machine is never left waiting.
		r.events().Disconnected(h, nil)
		return
	}
	c.cancelled = true
	client := c.client
	cancelDial := c.cancelDial
	r.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
		return
	}
	if client != nil {
		groutine.Go(nil, "goble-cancel", func(context.Context) {
			if err := client.CancelConnection(); err != nil {
				r.log.WithFields(logrus.Fields{
					"handle": h,
					"error":  err,
				}).Warn("cancel connection failed")
			}
			// The link watcher reports Disconnected when the client
			// channel closes.
		})
	}
}

// DiscoverServices enumerates all services; completion arrives as a
// ServicesDiscovered event.
func (r *Radio) DiscoverServices(h transport.Handle) {
	client := r.clientFor(h)
	if client == nil {
		r.events().ServicesDiscovered(h, nil, fmt.Errorf("goble: no connection for %s", h))
		return
	}

	groutine.Go(nil, "goble-discover-services", func(context.Context) {
		svcs, err := client.DiscoverServices(nil)

		var out []transport.Service
		if err == nil {
			r.mu.Lock()
			if c, ok := r.conns[h]; ok {
				for _, svc := range svcs {
					uuid := transport.NormalizeUUID(svc.UUID.String())
					c.services[uuid] = svc
					out = append(out, transport.Service{UUID: uuid})
				}
			}
			r.mu.Unlock()
		}
		r.events().ServicesDiscovered(h, out, err)
	})
}

// DiscoverCharacteristics enumerates one service's characteristics;
// completion arrives as a CharacteristicsDiscovered event.
func (r *Radio) DiscoverCharacteristics(h transport.Handle, svc transport.Service) {
	r.mu.Lock()
	c, ok := r.conns[h]
	var client ble.Client
	var bleSvc *ble.Service
	if ok {
		client = c.client
		bleSvc = c.services[svc.UUID]
	}
	r.mu.Unlock()

	if client == nil || bleSvc == nil {
		r.events().CharacteristicsDiscovered(h, svc, nil, fmt.Errorf("goble: unknown service %s on %s", svc.UUID, h))
		return
	}

	groutine.Go(nil, "goble-discover-characteristics", func(context.Context) {
		chars, err := client.DiscoverCharacteristics(nil, bleSvc)

		var out []transport.Characteristic
		if err == nil {
			r.mu.Lock()
			if c, ok := r.conns[h]; ok {
				for _, char := range chars {
					uuid := transport.NormalizeUUID(char.UUID.String())
					c.chars[svc.UUID+"/"+uuid] = char
					out = append(out, transport.Characteristic{
						UUID:        uuid,
						ServiceUUID: svc.UUID,
						Properties:  propertiesFromBLE(char.Property),
					})
				}
			}
			r.mu.Unlock()
		}
		r.events().CharacteristicsDiscovered(h, svc, out, err)
	})
}

// SetNotify subscribes to or unsubscribes from value updates. A brief
// synchronous ATT exchange.
func (r *Radio) SetNotify(h transport.Handle, tc transport.Characteristic, enabled bool) error {
	client, char, err := r.characteristicFor(h, tc)
	if err != nil {
		return err
	}

	if enabled {
		indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
		return client.Subscribe(char, indicate, func(data []byte) {
			// Copy: go-ble reuses the notification buffer.
			payload := make([]byte, len(data))
			copy(payload, data)
			r.events().ValueUpdated(h, tc, payload, nil)
		})
	}

	// The subscription mode is not tracked; release both and fail only
	// when both do.
	err1 := client.Unsubscribe(char, false)
	err2 := client.Unsubscribe(char, true)
	if err1 != nil && err2 != nil {
		return fmt.Errorf("unsubscribe %s: notify=%v, indicate=%v", tc.UUID, err1, err2)
	}
	return nil
}

// Write sends data to the characteristic, without response when supported.
func (r *Radio) Write(h transport.Handle, tc transport.Characteristic, data []byte) error {
	client, char, err := r.characteristicFor(h, tc)
	if err != nil {
		return err
	}
	noRsp := char.Property&ble.CharWriteNR != 0
	return client.WriteCharacteristic(char, data, noRsp)
}

func (r *Radio) clientFor(h transport.Handle) ble.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[h]; ok {
		return c.client
	}
	return nil
}

func (r *Radio) characteristicFor(h transport.Handle, tc transport.Characteristic) (ble.Client, *ble.Characteristic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[h]
	if !ok || c.client == nil {
		return nil, nil, fmt.Errorf("goble: no connection for %s", h)
	}
	char, ok := c.chars[tc.ServiceUUID+"/"+tc.UUID]
	if !ok {
		return nil, nil, fmt.Errorf("goble: characteristic %s not discovered on %s", tc.UUID, h)
	}
	return c.client, char, nil
}

func propertiesFromBLE(p ble.Property) transport.Property {
	var out transport.Property
	if p&ble.CharRead != 0 {
		out |= transport.PropertyRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= transport.PropertyWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= transport.PropertyWrite
	}
	if p&ble.CharNotify != 0 {
		out |= transport.PropertyNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= transport.PropertyIndicate
	}
	return out
}

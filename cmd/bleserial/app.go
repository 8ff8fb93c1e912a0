package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleserial/central"
	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/internal/transport/goble"
	"github.com/srg/bleserial/peripheral"
	"github.com/srg/bleserial/pkg/config"
)

// app bundles the wiring every command needs: config, run loop, radio and
// manager, already connected to each other.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	loop    *runloop.Loop
	radio   *goble.Radio
	manager *central.Manager
}

func newApp(cmd *cobra.Command, logger *logrus.Logger) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	loop := runloop.New(logger)
	loop.Start()

	radio, err := goble.New(logger, cfg.ConnectTimeout)
	if err != nil {
		loop.Stop()
		loop.Wait()
		return nil, fmt.Errorf("failed to initialize BLE radio: %w", err)
	}

	manager := central.NewManager(loop, radio, logger, cfg.ManagerOptions())
	radio.SetSink(manager)

	return &app{
		cfg:     cfg,
		log:     logger,
		loop:    loop,
		radio:   radio,
		manager: manager,
	}, nil
}

// connect resolves the address into a session and waits for the serial link
// to come up. Blocks off-loop.
func (a *app) connect(address string) (sess *sessionHandle, err error) {
	done := make(chan error, 1)
	var s *sessionHandle
	a.loop.Do(func() {
		p := a.manager.SessionFor(address)
		s = &sessionHandle{app: a, session: p}
		a.manager.Connect(p, func(connErr error) {
			done <- connErr
		})
	})
	if err := <-done; err != nil {
		return nil, err
	}
	return s, nil
}

// sessionHandle wraps a session for off-loop callers. Every method hops
// onto the loop.
type sessionHandle struct {
	app     *app
	session *peripheral.Session
}

func (h *sessionHandle) Disconnect() {
	h.app.loop.Do(func() {
		h.app.manager.Disconnect(h.session)
	})
}

func (h *sessionHandle) SetObserver(o peripheral.Observer) {
	h.app.loop.Do(func() {
		h.session.SetObserver(o)
	})
}

func (h *sessionHandle) Name() string {
	var name string
	h.app.loop.Do(func() {
		name = h.session.Name()
	})
	return name
}

func (a *app) Close() {
	_ = a.radio.StopDiscovery()
	a.loop.Stop()
	a.loop.Wait()
}

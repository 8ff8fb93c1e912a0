package peripheral_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/internal/testutils"
	"github.com/srg/bleserial/internal/transport"
	"github.com/srg/bleserial/peripheral"
	"github.com/srg/bleserial/serial"
)

const (
	testHandle  = "aa:bb:cc:dd:ee:ff"
	serialSvc   = "ffe0"
	serialChar  = "ffe1"
	otherChar   = "aaaa"
	otherSvc    = "beef"
	serialProps = transport.PropertyNotify | transport.PropertyWriteWithoutResponse | transport.PropertyRead
)

// recorderObserver counts lifecycle callbacks. Mutated on the loop only.
type recorderObserver struct {
	connected    int
	disconnected int
	failed       int
	lastCause    error
	bytes        []int
	names        []string
}

func (r *recorderObserver) Connected(s *peripheral.Session) { r.connected++ }
func (r *recorderObserver) Disconnected(s *peripheral.Session, cause error) {
	r.disconnected++
	r.lastCause = cause
}
func (r *recorderObserver) FailedToConnect(s *peripheral.Session, cause error) {
	r.failed++
	r.lastCause = cause
}
func (r *recorderObserver) BytesReceived(s *peripheral.Session, n int) { r.bytes = append(r.bytes, n) }
func (r *recorderObserver) NameUpdated(s *peripheral.Session, name string) {
	r.names = append(r.names, name)
}

// SessionTestSuite drives the connection state machine by invoking the radio
// event handlers directly on the run loop, with a recording transport.
type SessionTestSuite struct {
	suite.Suite
	loop *runloop.Loop
	ft   *testutils.FakeTransport
	s    *peripheral.Session
	obs  *recorderObserver
}

func (suite *SessionTestSuite) SetupTest() {
	suite.loop = testutils.StartLoop(suite.T())
	suite.ft = testutils.NewFakeTransport()
	suite.ft.AutoRespond = false
	suite.obs = &recorderObserver{}

	adv := testutils.NewAdvertisement().WithLocalName("HM-10").WithServices(serialSvc).Build()
	suite.loop.Do(func() {
		suite.s = peripheral.NewSession(suite.loop, suite.ft, testutils.QuietLogger(),
			peripheral.Options{ServiceUUID: serialSvc, CharacteristicUUID: serialChar},
			testHandle, adv)
		suite.s.SetObserver(suite.obs)
	})
}

func (suite *SessionTestSuite) do(fn func()) {
	suite.loop.Do(fn)
}

func (suite *SessionTestSuite) state() peripheral.State {
	var st peripheral.State
	suite.do(func() { st = suite.s.State() })
	return st
}

// driveToReady walks the happy path: connect, one service, one serial
// characteristic.
func (suite *SessionTestSuite) driveToReady(complete func(error)) {
	suite.do(func() {
		suite.s.Connect(complete)
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: serialSvc}}, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}}, nil)
	})
}

func (suite *SessionTestSuite) TestConnectHappyPath() {
	// GOAL: Verify the full connect cycle ends Ready with the serial
	// characteristic subscribed and the continuation fired exactly once
	//
	// TEST SCENARIO: Connect → connected → services → characteristics →
	// verify Ready, subscription, single nil completion
	var completions []error
	suite.do(func() {
		suite.s.Connect(func(err error) { completions = append(completions, err) })
	})
	suite.Equal(peripheral.StateConnecting, suite.state())
	suite.Contains(suite.ft.Calls(), "connect "+testHandle)

	suite.do(func() { suite.s.HandleConnected() })
	suite.Equal(peripheral.StateDiscoveringServices, suite.state())
	suite.Contains(suite.ft.Calls(), "discoverServices "+testHandle)

	suite.do(func() {
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: serialSvc}}, nil)
	})
	suite.Equal(peripheral.StateDiscoveringCharacteristics, suite.state())

	suite.do(func() {
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}}, nil)
	})

	suite.Equal(peripheral.StateReady, suite.state())
	suite.True(suite.ft.Notifying(serialChar), "serial characteristic MUST be subscribed")
	suite.Equal([]error{nil}, completions, "continuation MUST fire exactly once with nil")
	suite.do(func() {
		suite.Equal(1, suite.obs.connected, "observer.Connected MUST fire once")
	})
}

func (suite *SessionTestSuite) TestNotificationsFeedTheBuffer() {
	// GOAL: Verify serial notifications append to the receive buffer in
	// order and are readable as text
	//
	// TEST SCENARIO: Reach Ready → two value updates → verify byte counts
	// and decoded text
	suite.driveToReady(nil)

	active := transport.Characteristic{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}
	var text string
	var ok bool
	suite.do(func() {
		suite.s.HandleValueUpdated(active, []byte("A"), nil)
		suite.s.HandleValueUpdated(active, []byte("B"), nil)
		text, ok = suite.s.ReadText(serial.UTF8, 0)
	})

	suite.True(ok)
	suite.Equal("AB", text, "payloads MUST concatenate in arrival order")
	suite.do(func() {
		suite.Equal([]int{1, 1}, suite.obs.bytes, "observer MUST see one callback per payload")
	})
}

func (suite *SessionTestSuite) TestZeroServicesStillBecomesReady() {
	// GOAL: Verify an empty service list short-circuits to Ready instead of
	// hanging the connect cycle
	//
	// TEST SCENARIO: Connect → connected → zero services → verify Ready,
	// completion fired, writes rejected with not-ready
	var got error
	ran := false
	suite.do(func() {
		suite.s.Connect(func(err error) { got = err; ran = true })
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered(nil, nil)
	})

	suite.Equal(peripheral.StateReady, suite.state())
	suite.True(ran, "completion MUST fire even with no services")
	suite.NoError(got)

	suite.do(func() {
		suite.ErrorIs(suite.s.Write([]byte("x")), peripheral.ErrNotReady,
			"writes without a serial characteristic MUST fail with not-ready")
	})
}

func (suite *SessionTestSuite) TestServiceDiscoveryErrorTreatedAsEmpty() {
	// GOAL: Verify an enumeration error degrades to "no services" instead of
	// wedging the state machine
	//
	// TEST SCENARIO: Connect → connected → services event with error →
	// verify Ready with no active characteristic
	suite.do(func() {
		suite.s.Connect(nil)
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered(nil, errors.New("att timeout"))
	})
	suite.Equal(peripheral.StateReady, suite.state())
}

func (suite *SessionTestSuite) TestPerServiceErrorDoesNotBlockReady() {
	// GOAL: Verify a failed per-service characteristic sweep is skipped and
	// Ready still fires exactly once after the last service reports
	//
	// TEST SCENARIO: Two services → first errors, second succeeds → verify
	// single Ready transition and the surviving service selected
	var completions []error
	suite.do(func() {
		suite.s.Connect(func(err error) { completions = append(completions, err) })
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: otherSvc}, {UUID: serialSvc}}, nil)
	})
	suite.Equal(peripheral.StateDiscoveringCharacteristics, suite.state())

	suite.do(func() {
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: otherSvc}, nil, errors.New("read failed"))
	})
	suite.Equal(peripheral.StateDiscoveringCharacteristics, suite.state(), "Ready MUST wait for the last service")

	suite.do(func() {
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}}, nil)
	})
	suite.Equal(peripheral.StateReady, suite.state())
	suite.Equal([]error{nil}, completions)
	suite.True(suite.ft.Notifying(serialChar))
}

func (suite *SessionTestSuite) TestConnectSupersedesPriorAttempt() {
	// GOAL: Verify a second connect while one is in flight fails the first
	// continuation with ErrSuperseded and restarts the cycle
	//
	// TEST SCENARIO: Connect A → Connect B → verify A superseded, link
	// cancelled, stale disconnect ignored, B completes on the new cycle
	var first, second []error
	suite.do(func() {
		suite.s.Connect(func(err error) { first = append(first, err) })
		suite.s.Connect(func(err error) { second = append(second, err) })
	})

	suite.Len(first, 1)
	suite.ErrorIs(first[0], peripheral.ErrSuperseded)
	suite.Contains(suite.ft.Calls(), "cancelConnection "+testHandle)
	suite.Equal(peripheral.StateConnecting, suite.state())

	// The radio reports the cancelled link; in Connecting this is the stale
	// echo of the superseded attempt.
	suite.do(func() { suite.s.HandleDisconnected(nil) })
	suite.Equal(peripheral.StateConnecting, suite.state(), "stale disconnect MUST NOT abort the new attempt")
	suite.do(func() {
		suite.Equal(0, suite.obs.disconnected)
	})

	suite.do(func() {
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: serialSvc}}, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}}, nil)
	})
	suite.Equal([]error{nil}, second, "the superseding attempt MUST complete normally")
	suite.Len(first, 1, "the superseded continuation MUST NOT fire again")
}

func (suite *SessionTestSuite) TestDisconnectCancelsPendingConnect() {
	// GOAL: Verify an explicit disconnect fails the pending continuation
	// with ErrCancelled and completes as a plain disconnect
	//
	// TEST SCENARIO: Connect → Disconnect → radio disconnect event → verify
	// cancelled continuation and observer notification
	var got []error
	suite.do(func() {
		suite.s.Connect(func(err error) { got = append(got, err) })
		suite.s.Disconnect()
	})
	suite.Len(got, 1)
	suite.ErrorIs(got[0], peripheral.ErrCancelled)
	suite.Equal(peripheral.StateDisconnecting, suite.state())

	suite.do(func() { suite.s.HandleDisconnected(nil) })
	suite.Equal(peripheral.StateDisconnected, suite.state())
	suite.do(func() {
		suite.Equal(1, suite.obs.disconnected)
		suite.NoError(suite.obs.lastCause, "a requested disconnect MUST carry no cause")
	})
}

func (suite *SessionTestSuite) TestDisconnectWhileIdleIsNoOp() {
	// GOAL: Verify redundant disconnects neither call the radio nor notify
	//
	// TEST SCENARIO: Disconnect an idle session → verify no transport calls
	suite.do(func() { suite.s.Disconnect() })
	suite.NotContains(suite.ft.Calls(), "cancelConnection "+testHandle)
	suite.do(func() { suite.Equal(0, suite.obs.disconnected) })
}

func (suite *SessionTestSuite) TestFailedToConnect() {
	// GOAL: Verify a connect rejection fails the continuation with the cause
	// and emits FailedToConnect, never Disconnected
	//
	// TEST SCENARIO: Connect → failed-to-connect with timeout → verify
	// error, callback split and final state
	var got []error
	suite.do(func() {
		suite.s.Connect(func(err error) { got = append(got, err) })
		suite.s.HandleFailedToConnect(transport.ErrTimedOut)
	})

	suite.Len(got, 1)
	suite.ErrorIs(got[0], transport.ErrTimedOut)
	suite.Equal(peripheral.StateDisconnected, suite.state())
	suite.do(func() {
		suite.Equal(1, suite.obs.failed)
		suite.Equal(0, suite.obs.disconnected, "failure-to-connect MUST NOT look like a disconnect")
	})
}

func (suite *SessionTestSuite) TestFailedToConnectDuringDisconnectFinishesTeardown() {
	// GOAL: Verify an aborted dial reported as a connect failure still lands
	// the session in Disconnected when the user already asked to disconnect
	//
	// TEST SCENARIO: Connect → Disconnect → failed-to-connect → verify quiet
	// disconnect notification
	suite.do(func() {
		suite.s.Connect(nil)
		suite.s.Disconnect()
		suite.s.HandleFailedToConnect(errors.New("dial aborted"))
	})
	suite.Equal(peripheral.StateDisconnected, suite.state())
	suite.do(func() {
		suite.Equal(1, suite.obs.disconnected)
		suite.NoError(suite.obs.lastCause)
		suite.Equal(0, suite.obs.failed)
	})
}

func (suite *SessionTestSuite) TestLinkLossDiscardsUnreadBytes() {
	// GOAL: Verify link loss clears the receive buffer and reports the cause
	//
	// TEST SCENARIO: Reach Ready → buffer bytes → link loss → verify buffer
	// empty and Disconnected(cause) observed
	suite.driveToReady(nil)

	active := transport.Characteristic{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}
	suite.do(func() {
		suite.s.HandleValueUpdated(active, []byte("unread"), nil)
		suite.s.HandleDisconnected(transport.ErrLinkLost)
	})

	suite.Equal(peripheral.StateDisconnected, suite.state())
	suite.do(func() {
		suite.Equal(0, suite.s.BytesAvailable(), "unread bytes MUST NOT survive the link")
		suite.Equal(1, suite.obs.disconnected)
		suite.ErrorIs(suite.obs.lastCause, transport.ErrLinkLost)
	})
}

func (suite *SessionTestSuite) TestValueUpdatesFiltered() {
	// GOAL: Verify only clean payloads from the active characteristic reach
	// the buffer
	//
	// TEST SCENARIO: Reach Ready → updates from another characteristic and
	// an errored update → verify buffer untouched
	suite.driveToReady(nil)

	suite.do(func() {
		suite.s.HandleValueUpdated(transport.Characteristic{UUID: otherChar, ServiceUUID: serialSvc}, []byte("x"), nil)
		suite.s.HandleValueUpdated(transport.Characteristic{UUID: serialChar, ServiceUUID: otherSvc}, []byte("y"), nil)
		suite.s.HandleValueUpdated(transport.Characteristic{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps},
			[]byte("z"), errors.New("read error"))
		suite.False(suite.s.HasBytesAvailable(), "foreign or errored updates MUST NOT buffer")
	})
}

func (suite *SessionTestSuite) TestWriteStateChecks() {
	// GOAL: Verify write preconditions: connected, resolved characteristic,
	// writable properties
	//
	// TEST SCENARIO: Write while idle → ErrNotConnected; write on a
	// notify-only characteristic → ErrNotSupported; write when Ready →
	// payload reaches the transport
	suite.do(func() {
		suite.ErrorIs(suite.s.Write([]byte("x")), peripheral.ErrNotConnected)
	})

	// Reconnect with a notify-only characteristic.
	suite.do(func() {
		suite.s.Connect(nil)
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: serialSvc}}, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: transport.PropertyNotify}}, nil)
		suite.ErrorIs(suite.s.Write([]byte("x")), transport.ErrNotSupported)
		suite.s.Disconnect()
		suite.s.HandleDisconnected(nil)
	})

	suite.driveToReady(nil)
	suite.do(func() {
		suite.NoError(suite.s.Write([]byte("AT\r\n")))
	})
	written := suite.ft.Written(serialChar)
	suite.Len(written, 1)
	suite.Equal([]byte("AT\r\n"), written[0])
}

func (suite *SessionTestSuite) TestCharacteristicSelection() {
	// GOAL: Verify the preferred characteristic wins when configured and the
	// first encountered is the fallback
	//
	// TEST SCENARIO: Two characteristics under the serial service → verify
	// the configured UUID is subscribed, not the first listed
	chars := []transport.Characteristic{
		{UUID: otherChar, ServiceUUID: serialSvc, Properties: transport.PropertyNotify},
		{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps},
	}
	suite.do(func() {
		suite.s.Connect(nil)
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: serialSvc}}, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc}, chars, nil)
	})

	suite.True(suite.ft.Notifying(serialChar), "the configured characteristic MUST be chosen")
	suite.False(suite.ft.Notifying(otherChar))
}

func (suite *SessionTestSuite) TestServicesSnapshot() {
	// GOAL: Verify the GATT table is exposed in discovery order
	//
	// TEST SCENARIO: Discover two services → verify Services() ordering and
	// contents
	suite.do(func() {
		suite.s.Connect(nil)
		suite.s.HandleConnected()
		suite.s.HandleServicesDiscovered([]transport.Service{{UUID: otherSvc}, {UUID: serialSvc}}, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: otherSvc}, nil, nil)
		suite.s.HandleCharacteristicsDiscovered(transport.Service{UUID: serialSvc},
			[]transport.Characteristic{{UUID: serialChar, ServiceUUID: serialSvc, Properties: serialProps}}, nil)

		svcs := suite.s.Services()
		suite.Len(svcs, 2)
		suite.Equal(otherSvc, svcs[0].UUID, "order MUST follow discovery")
		suite.Equal(serialSvc, svcs[1].UUID)
		suite.Len(svcs[1].Characteristics, 1)
	})
}

func (suite *SessionTestSuite) TestIdentity() {
	// GOAL: Verify the name fallback chain and advertisement refresh
	//
	// TEST SCENARIO: Check local-name fallback → rename → verify Name
	// switches and the observer heard it → refresh RSSI via advertisement
	suite.do(func() {
		suite.Equal("HM-10", suite.s.Name(), "Name MUST fall back to the advertised local name")
		suite.Equal(testHandle, string(suite.s.ID()))

		suite.s.HandleNameUpdated("pump-3")
		suite.Equal("pump-3", suite.s.Name(), "a device rename MUST win over the local name")

		suite.s.HandleAdvertisement(transport.Advertisement{LocalName: "HM-10", RSSI: -42})
		suite.Equal(-42, suite.s.RSSI())
		suite.Equal([]string{"pump-3"}, suite.obs.names)
	})
}

func (suite *SessionTestSuite) TestPublicMethodsAssertLoopAffinity() {
	// GOAL: Verify calling the session off the run loop panics, catching
	// threading bugs at the call site
	//
	// TEST SCENARIO: Call every state-reading accessor and mutator from the
	// test goroutine → expect panic
	suite.Panics(func() { suite.s.State() })
	suite.Panics(func() { suite.s.Busy() })
	suite.Panics(func() { _ = suite.s.Name() })
	suite.Panics(func() { _ = suite.s.LocalName() })
	suite.Panics(func() { suite.s.RSSI() })
	suite.Panics(func() { suite.s.AdvertisedServices() })
	suite.Panics(func() { suite.s.Connect(nil) })
	suite.Panics(func() { _ = suite.s.Write([]byte("x")) })

	// The handle is immutable after construction and stays readable from
	// any goroutine.
	suite.NotPanics(func() { _ = suite.s.ID() })
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

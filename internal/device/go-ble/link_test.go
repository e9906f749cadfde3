//go:build test

package goble_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/srg/mindlink/internal/device"
	goble "github.com/srg/mindlink/internal/device/go-ble"
	"github.com/srg/mindlink/internal/sched"
	"github.com/srg/mindlink/internal/supervisor"
	"github.com/srg/mindlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type LinkTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}

func (s *LinkTestSuite) dial() device.Link {
	transport, err := goble.NewTransport(s.Logger)
	s.Require().NoError(err, "transport MUST open")

	l, err := transport.Dial(context.Background(), "AA:BB:CC:DD:EE:FF", device.DefaultConnectOptions())
	s.Require().NoError(err, "dial MUST succeed")
	s.T().Cleanup(func() { _ = l.Close() })
	return l
}

// connect dials and loads the GATT profile
func (s *LinkTestSuite) connect() device.Link {
	l := s.dial()
	_, err := l.DiscoverCapabilities(context.Background())
	s.Require().NoError(err, "discovery MUST succeed")
	return l
}

// failFirstDiscoveries makes the next n profile discoveries fail with err
func (s *LinkTestSuite) failFirstDiscoveries(n int, err error) {
	client := s.PeripheralBuilder.Client()
	var profile *blelib.Profile
	kept := client.ExpectedCalls[:0]
	for _, c := range client.ExpectedCalls {
		if c.Method == "DiscoverProfile" {
			profile = c.ReturnArguments.Get(0).(*blelib.Profile)
			continue
		}
		kept = append(kept, c)
	}
	client.ExpectedCalls = kept
	client.On("DiscoverProfile", true).Return(nil, err).Times(n)
	client.On("DiscoverProfile", true).Return(profile, nil)
}

func (s *LinkTestSuite) TestDial_NegotiatesMTU() {
	// GOAL: Verify Dial applies the requested MTU and keeps the link when priority is unsupported
	//
	// TEST SCENARIO: Dial with defaults → ExchangeMTU(247) called → link address preserved

	l := s.dial()

	s.Equal("AA:BB:CC:DD:EE:FF", l.Address())
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "ExchangeMTU", 247)
}

func (s *LinkTestSuite) TestDial_DefersDiscovery() {
	// GOAL: Verify Dial only connects and leaves GATT discovery to DiscoverCapabilities
	//
	// TEST SCENARIO: Dial → no DiscoverProfile call → Subscribe reports missing service → discover → Subscribe works

	l := s.dial()
	client := s.PeripheralBuilder.Client()

	client.AssertNotCalled(s.T(), "DiscoverProfile", true)

	_, err := l.Subscribe(device.ServiceSerialStream, device.CharSerialStreamNotify, func([]byte) {})
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf, "characteristics MUST be unknown before discovery")
	s.Equal("service", nf.Resource)

	_, err = l.DiscoverCapabilities(context.Background())
	s.Require().NoError(err)
	client.AssertNumberOfCalls(s.T(), "DiscoverProfile", 1)

	sub, err := l.Subscribe(device.ServiceSerialStream, device.CharSerialStreamNotify, func([]byte) {})
	s.Require().NoError(err, "subscribe MUST succeed once the profile is known")
	s.Require().NoError(sub.Unsubscribe())
}

func (s *LinkTestSuite) TestDial_SurvivesFailedFirstDiscovery() {
	// GOAL: Verify a failed discovery neither fails the dial nor poisons the link
	//
	// TEST SCENARIO: first DiscoverProfile fails → Dial succeeded, link not cancelled → second discovery succeeds

	s.failFirstDiscoveries(1, errors.New("att: request timed out"))
	l := s.dial()
	client := s.PeripheralBuilder.Client()

	_, err := l.DiscoverCapabilities(context.Background())
	s.Require().Error(err, "first discovery MUST fail")
	client.AssertNotCalled(s.T(), "CancelConnection")

	caps, err := l.DiscoverCapabilities(context.Background())
	s.Require().NoError(err, "retried discovery MUST succeed on the same link")
	s.Len(caps, 3)
	client.AssertNumberOfCalls(s.T(), "DiscoverProfile", 2)
}

func (s *LinkTestSuite) TestSupervisor_RetriesFirstDiscovery() {
	// GOAL: Verify the supervisor's discovery retry covers the first discovery of a real go-ble link
	//
	// TEST SCENARIO: first DiscoverProfile fails → one dial, Connecting only → 1 s backoff → Connected, no reconnect

	s.failFirstDiscoveries(1, errors.New("att: request timed out"))

	transport, err := goble.NewTransport(s.Logger)
	s.Require().NoError(err)
	loop := sched.NewVirtual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), s.Logger)
	sup, err := supervisor.New(supervisor.DefaultConfig(), transport, loop, s.Logger)
	s.Require().NoError(err)
	defer func() {
		sup.Close()
		loop.Flush()
	}()

	s.Require().NoError(sup.Connect("AA:BB:CC:DD:EE:FF"))
	loop.Flush()

	s.Equal(supervisor.Connecting, sup.State(), "failed discovery MUST be retried within the session")
	s.Device.AssertNumberOfCalls(s.T(), "Dial", 1)

	loop.Advance(time.Second)

	s.Equal(supervisor.Connected, sup.State())
	s.Device.AssertNumberOfCalls(s.T(), "Dial", 1)
	s.PeripheralBuilder.Client().AssertNumberOfCalls(s.T(), "DiscoverProfile", 2)
	s.Zero(sup.Stats().Reconnects)
}

func (s *LinkTestSuite) TestDial_FailureIsNormalized() {
	// GOAL: Verify a radio failure during dial surfaces as a connection state error
	//
	// TEST SCENARIO: Dial returns powered-off error → ErrBluetoothOff

	s.Device.ExpectedCalls = nil
	s.Device.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("bluetooth is turned off"))

	transport, err := goble.NewTransport(s.Logger)
	s.Require().NoError(err)

	_, err = transport.Dial(context.Background(), "AA:BB:CC:DD:EE:FF", device.DefaultConnectOptions())
	s.Require().Error(err)
	s.True(device.IsConnectionState(err, device.BluetoothOff), "dial error MUST map to bluetooth_off: %v", err)
}

func (s *LinkTestSuite) TestDiscoverCapabilities() {
	// GOAL: Verify discovered services and characteristics are reported with normalized UUIDs
	//
	// TEST SCENARIO: Headset profile → three services with their characteristics

	l := s.dial()

	caps, err := l.DiscoverCapabilities(context.Background())
	s.Require().NoError(err)
	s.Equal([]device.Capability{
		{Service: "1800", Characteristics: []string{"2a04"}},
		{Service: "180f", Characteristics: []string{"2a19"}},
		{Service: "ffe0", Characteristics: []string{"ffe1"}},
	}, caps)
}

func (s *LinkTestSuite) TestReadSignalStrength() {
	// GOAL: Verify RSSI is returned as-is

	l := s.dial()

	rssi, err := l.ReadSignalStrength(context.Background())
	s.Require().NoError(err)
	s.Equal(-60, rssi)
}

func (s *LinkTestSuite) TestReadLinkParameters() {
	// GOAL: Verify preferred connection parameters are decoded from GAP
	//
	// TEST SCENARIO: 2A04 = min 24 (30ms), max 40, latency 0, timeout 400 (4s) → decoded; MTU from conn

	l := s.connect()

	params, err := l.ReadLinkParameters(context.Background())
	s.Require().NoError(err)
	s.Equal(device.LinkParameters{
		MTU:      247,
		Interval: 30 * time.Millisecond,
		Latency:  0,
		Timeout:  4 * time.Second,
	}, params)
}

func (s *LinkTestSuite) TestReadCharacteristic_NotFound() {
	// GOAL: Verify missing resources produce NotFoundError

	l := s.connect()

	_, err := l.ReadCharacteristic(context.Background(), "180d", "2a37")
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)

	_, err = l.ReadCharacteristic(context.Background(), "180f", "2a37")
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
}

func (s *LinkTestSuite) TestSubscribe_DeliversNotifications() {
	// GOAL: Verify notifications reach the callback and a panicking callback is contained
	//
	// TEST SCENARIO: Subscribe FFE1 → notify twice (second panics) → both delivered, no crash → unsubscribe

	l := s.connect()

	var received atomic.Int32
	sub, err := l.Subscribe(device.ServiceSerialStream, device.CharSerialStreamNotify, func(data []byte) {
		if received.Add(1) == 2 {
			panic("handler failure")
		}
	})
	s.Require().NoError(err)

	char := s.PeripheralBuilder.Characteristic("FFE1")
	client := s.PeripheralBuilder.Client()
	s.True(client.Notify(char, []byte{0xAA}))
	s.NotPanics(func() { client.Notify(char, []byte{0xAA}) }, "handler panic MUST be contained")
	s.Equal(int32(2), received.Load())

	s.Require().NoError(sub.Unsubscribe())
	s.False(client.Notify(char, []byte{0xAA}), "handler MUST be removed after unsubscribe")
}

func (s *LinkTestSuite) TestSubscribe_RequiresNotifyProperty() {
	// GOAL: Verify read-only characteristics cannot be subscribed

	l := s.connect()

	_, err := l.Subscribe(device.ServiceGenericAccess, device.CharPreferredConnParams, func([]byte) {})
	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *LinkTestSuite) TestDisconnected_ClosesOnDrop() {
	// GOAL: Verify a peripheral drop closes the Disconnected channel

	l := s.dial()

	select {
	case <-l.Disconnected():
		s.Fail("link MUST be up before the drop")
	default:
	}

	s.PeripheralBuilder.Client().Drop()

	select {
	case <-l.Disconnected():
	case <-time.After(s.TestTimeout):
		s.Fail("Disconnected MUST close after the peripheral drops")
	}
}

func (s *LinkTestSuite) TestClose_Idempotent() {
	// GOAL: Verify Close cancels the connection once and rejects further reads

	l := s.dial()

	s.Require().NoError(l.Close())
	s.Require().NoError(l.Close())
	s.PeripheralBuilder.Client().AssertNumberOfCalls(s.T(), "CancelConnection", 1)

	_, err := l.ReadCharacteristic(context.Background(), "180f", "2a19")
	s.ErrorIs(err, device.ErrNotConnected)
	<-l.Disconnected()
}

func (s *LinkTestSuite) TestScan_WrapsAdvertisements() {
	// GOAL: Verify scan results are adapted to device.Advertisement

	adv := testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("MindWave Mobile").
		WithRSSI(-48).
		WithServices("FFE0").
		Build()
	s.Device.ExpectedCalls = nil
	s.Device.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(blelib.AdvHandler)(adv)
	}).Return(nil)

	transport, err := goble.NewTransport(s.Logger)
	s.Require().NoError(err)

	var got []device.Advertisement
	err = transport.Scan(context.Background(), false, func(a device.Advertisement) {
		got = append(got, a)
	})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("11:22:33:44:55:66", got[0].Addr())
	s.Equal("MindWave Mobile", got[0].LocalName())
	s.Equal(-48, got[0].RSSI())
	s.Equal([]string{"ffe0"}, got[0].Services())
}

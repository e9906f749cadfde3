//go:build test

package testutils

import (
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/mindlink/internal/device/go-ble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mocked headset peripheral.
// The suite swaps goble.DeviceFactory for a factory returning the configured mock device.
//
// Custom profile usage:
//
//	func (s *LinkSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180F").
//	        WithCharacteristic("2A19", "read,notify", []byte{80})
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (blelib.Device, error)
	TestTimeout           time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	Advertisements    []blelib.Advertisement

	Device *MockDevice
}

// SetupSuite initializes the helper and remembers the real device factory
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.OriginalDeviceFactory = goble.DeviceFactory
	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
		}
	})
}

// SetupTest builds the configured peripheral and installs the mock device factory
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}

	if len(s.Advertisements) > 0 {
		s.PeripheralBuilder.WithScanAdvertisements(s.Advertisements...)
	}

	s.Device = s.PeripheralBuilder.Build()
	goble.DeviceFactory = func() (blelib.Device, error) {
		return s.Device, nil
	}
}

// TearDownTest restores the factory and resets builders
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.Advertisements = nil
	s.Device = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements queues advertisements for the next SetupTest; Scan replays them in order
func (s *MockBLEPeripheralSuite) WithAdvertisements(ads ...blelib.Advertisement) {
	s.Advertisements = append(s.Advertisements, ads...)
}

// HeadsetProfileJSON describes a headset: GAP with preferred connection
// parameters, battery level and the serial stream service.
const HeadsetProfileJSON = `
{
	"services": [
		{
			"uuid": "1800",
			"characteristics": [
				{ "uuid": "2A04", "properties": "read", "value": [24, 0, 40, 0, 0, 0, 144, 1] }
			]
		},
		{
			"uuid": "180F",
			"characteristics": [
				{ "uuid": "2A19", "properties": "read,notify", "value": [80] }
			]
		},
		{
			"uuid": "FFE0",
			"characteristics": [
				{ "uuid": "FFE1", "properties": "notify" }
			]
		}
	]
}`

func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(HeadsetProfileJSON)
}

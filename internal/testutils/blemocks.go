package testutils

import (
	"context"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice is a testify mock of ble.Device. Only the methods the transport
// uses are mocked; the embedded interface stays nil.
type MockDevice struct {
	blelib.Device
	mock.Mock
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h blelib.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a blelib.Addr) (blelib.Client, error) {
	args := m.Called(ctx, a)
	if c := args.Get(0); c != nil {
		return c.(blelib.Client), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockClient is a testify mock of ble.Client that also records notification handlers
// so tests can push data through Notify.
type MockClient struct {
	blelib.Client
	mock.Mock

	DisconnectedCh chan struct{}

	mu       sync.Mutex
	handlers map[string]blelib.NotificationHandler
}

// NewMockClient returns a client with an open disconnect channel
func NewMockClient() *MockClient {
	return &MockClient{
		DisconnectedCh: make(chan struct{}),
		handlers:       make(map[string]blelib.NotificationHandler),
	}
}

func (m *MockClient) DiscoverProfile(force bool) (*blelib.Profile, error) {
	args := m.Called(force)
	if p := args.Get(0); p != nil {
		return p.(*blelib.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *blelib.Characteristic) ([]byte, error) {
	args := m.Called(c)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) ReadRSSI() int {
	return m.Called().Int(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) Subscribe(c *blelib.Characteristic, ind bool, h blelib.NotificationHandler) error {
	args := m.Called(c, ind, h)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.handlers[c.UUID.String()] = h
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *blelib.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	m.mu.Lock()
	delete(m.handlers, c.UUID.String())
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockClient) ClearSubscriptions() error {
	return m.Called().Error(0)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *MockClient) Conn() blelib.Conn {
	args := m.Called()
	if c := args.Get(0); c != nil {
		return c.(blelib.Conn)
	}
	return nil
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.DisconnectedCh
}

// Notify delivers data to the handler subscribed on the characteristic. Returns false
// when nothing is subscribed.
func (m *MockClient) Notify(char *blelib.Characteristic, data []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[char.UUID.String()]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Drop simulates the peripheral going away
func (m *MockClient) Drop() {
	close(m.DisconnectedCh)
}

// MockConn is a minimal ble.Conn reporting fixed MTUs
type MockConn struct {
	blelib.Conn
	Tx int
	Rx int
}

func (c *MockConn) TxMTU() int { return c.Tx }
func (c *MockConn) RxMTU() int { return c.Rx }

// MockAddr is a testify mock of ble.Addr
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string {
	return m.Called().String(0)
}

// MockAdvertisement is a testify mock of ble.Advertisement
type MockAdvertisement struct {
	blelib.Advertisement
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	return m.Called().String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	args := m.Called()
	if b := args.Get(0); b != nil {
		return b.([]byte)
	}
	return nil
}

func (m *MockAdvertisement) ServiceData() []blelib.ServiceData {
	args := m.Called()
	if d := args.Get(0); d != nil {
		return d.([]blelib.ServiceData)
	}
	return nil
}

func (m *MockAdvertisement) Services() []blelib.UUID {
	args := m.Called()
	if u := args.Get(0); u != nil {
		return u.([]blelib.UUID)
	}
	return nil
}

func (m *MockAdvertisement) TxPowerLevel() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdvertisement) RSSI() int {
	return m.Called().Int(0)
}

func (m *MockAdvertisement) Addr() blelib.Addr {
	args := m.Called()
	if a := args.Get(0); a != nil {
		return a.(blelib.Addr)
	}
	return nil
}

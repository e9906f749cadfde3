package goble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/groutine"
)

// link implements device.Link for a connected go-ble client
type link struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	mu      sync.RWMutex
	profile *ble.Profile
	closed  bool

	disconnected chan struct{}
	dropOnce     sync.Once
	done         chan struct{}
}

// newLink wraps a connected client. The profile stays nil until DiscoverCapabilities.
func newLink(address string, client ble.Client, logger *logrus.Logger) *link {
	l := &link{
		address:      address,
		client:       client,
		logger:       logger,
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}

	// CoreBluetooth reports drops through Disconnected()
	if notifier, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-notifier.Disconnected():
				l.logger.WithField("address", address).Warn("Peripheral reported disconnection")
				l.markDropped()
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *link) markDropped() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

func (l *link) Address() string { return l.address }

func (l *link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *link) ExchangeMTU(mtu int) (int, error) {
	got, err := l.client.ExchangeMTU(mtu)
	if err != nil {
		return 0, NormalizeError(err)
	}
	return got, nil
}

// RequestPriority has no go-ble counterpart; the OS picks the connection interval
func (l *link) RequestPriority(p device.Priority) error {
	if p == device.PriorityBalanced {
		return nil
	}
	return fmt.Errorf("connection priority %s: %w", p, device.ErrUnsupported)
}

func (l *link) DiscoverCapabilities(ctx context.Context) ([]device.Capability, error) {
	profile, err := call(ctx, func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	l.mu.Lock()
	l.profile = profile
	l.mu.Unlock()

	caps := make([]device.Capability, 0, len(profile.Services))
	for _, svc := range profile.Services {
		c := device.Capability{Service: device.NormalizeUUID(svc.UUID.String())}
		for _, ch := range svc.Characteristics {
			c.Characteristics = append(c.Characteristics, device.NormalizeUUID(ch.UUID.String()))
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// ReadSignalStrength reads the link RSSI. go-ble reports 0 when the value is unavailable.
func (l *link) ReadSignalStrength(ctx context.Context) (int, error) {
	rssi, err := call(ctx, func() (int, error) {
		return l.client.ReadRSSI(), nil
	})
	if err != nil {
		return 0, err
	}
	if rssi == 0 {
		return 0, fmt.Errorf("rssi unavailable: %w", device.ErrUnsupported)
	}
	return rssi, nil
}

// ReadLinkParameters reports the MTU together with the peripheral preferred connection
// parameters. When the GAP characteristic is missing the battery level is read instead,
// so the round trip still proves the link is alive.
func (l *link) ReadLinkParameters(ctx context.Context) (device.LinkParameters, error) {
	params := device.LinkParameters{}
	if conn := l.client.Conn(); conn != nil {
		params.MTU = conn.TxMTU()
	}

	data, err := l.ReadCharacteristic(ctx, device.ServiceGenericAccess, device.CharPreferredConnParams)
	if err == nil {
		if len(data) >= 8 {
			minInterval := binary.LittleEndian.Uint16(data[0:2])
			params.Interval = time.Duration(minInterval) * 1250 * time.Microsecond
			params.Latency = int(binary.LittleEndian.Uint16(data[4:6]))
			params.Timeout = time.Duration(binary.LittleEndian.Uint16(data[6:8])) * 10 * time.Millisecond
		}
		return params, nil
	}

	var nf *device.NotFoundError
	if !errors.As(err, &nf) {
		return params, err
	}
	if _, err := l.ReadCharacteristic(ctx, device.ServiceBattery, device.CharBatteryLevel); err != nil {
		return params, err
	}
	return params, nil
}

func (l *link) ReadCharacteristic(ctx context.Context, service, char string) ([]byte, error) {
	c, err := l.findCharacteristic(service, char)
	if err != nil {
		return nil, err
	}
	data, err := call(ctx, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

func (l *link) Subscribe(service, char string, callback func([]byte)) (device.Subscription, error) {
	c, err := l.findCharacteristic(service, char)
	if err != nil {
		return nil, err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, fmt.Errorf("characteristic %s does not support notifications: %w", char, device.ErrUnsupported)
	}
	indicate := c.Property&ble.CharNotify == 0

	handler := func(data []byte) {
		defer func() {
			if r := recover(); r != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": char,
					"panic":     r,
				}).Error("Notification handler panicked")
			}
		}()
		callback(data)
	}
	if err := l.client.Subscribe(c, indicate, handler); err != nil {
		l.logger.WithFields(logrus.Fields{
			"service_uuid": service,
			"char_uuid":    char,
			"error":        err,
		}).Error("Failed to subscribe to characteristic notifications")
		return nil, NormalizeError(err)
	}

	l.logger.WithFields(logrus.Fields{
		"service_uuid": service,
		"char_uuid":    char,
	}).Info("Subscribed to characteristic notifications")
	return &subscription{link: l, char: c, indicate: indicate}, nil
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	if err := l.client.ClearSubscriptions(); err != nil {
		l.logger.WithField("error", err).Debug("Failed to clear subscriptions on close")
	}
	err := l.client.CancelConnection()
	l.markDropped()
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	l.logger.WithField("address", l.address).Info("BLE device disconnected")
	return nil
}

func (l *link) findCharacteristic(service, char string) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, device.ErrNotConnected
	}
	svcUUID := device.NormalizeUUID(service)
	charUUID := device.NormalizeUUID(char)
	if l.profile == nil {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
	}
	for _, svc := range l.profile.Services {
		if device.NormalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.NormalizeUUID(c.UUID.String()) == charUUID {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svcUUID, charUUID}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svcUUID}}
}

type subscription struct {
	link     *link
	char     *ble.Characteristic
	indicate bool
	once     sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = NormalizeError(s.link.client.Unsubscribe(s.char, s.indicate))
	})
	return err
}

// call runs a blocking go-ble operation and gives up when ctx ends first
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "ble-call", func(context.Context) {
		v, err := fn()
		ch <- result{v, err}
	})

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	}
}

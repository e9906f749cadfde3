package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/groutine"
)

// ErrInjected marks failures produced by fault injection
var ErrInjected = errors.New("injected failure")

// Config describes the simulated headset
type Config struct {
	Address        string        `yaml:"address" default:"00:00:5e:00:53:01"`
	Name           string        `yaml:"name" default:"MindWave Mobile (sim)"`
	RSSI           int           `yaml:"rssi" default:"-55"`
	SamplingRate   float64       `yaml:"sampling_rate" default:"512"`
	NotifyInterval time.Duration `yaml:"notify_interval" default:"20ms"`
	Noise          float64       `yaml:"noise" default:"5"`
	Seed           int64         `yaml:"seed" default:"1"`
	MTU            int           `yaml:"mtu" default:"247"`
}

// DefaultConfig returns a 512 Hz headset notifying every 20 ms
func DefaultConfig() Config {
	return Config{
		Address:        "00:00:5e:00:53:01",
		Name:           "MindWave Mobile (sim)",
		RSSI:           -55,
		SamplingRate:   512,
		NotifyInterval: 20 * time.Millisecond,
		Noise:          5,
		Seed:           1,
		MTU:            247,
	}
}

// Transport is an in-process device.Transport backed by a signal generator.
// Faults can be injected at any time from any goroutine.
type Transport struct {
	cfg    Config
	logger *logrus.Logger

	mu             sync.Mutex
	link           *Link
	dials          int
	failDials      int
	failKeepAlive  bool
	permissionDeny bool
}

// New creates a simulated transport
func New(cfg Config, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = DefaultConfig().SamplingRate
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultConfig().NotifyInterval
	}
	if cfg.MTU < 23 {
		cfg.MTU = 23
	}
	return &Transport{cfg: cfg, logger: logger}
}

// Permission is a PermissionProvider that can be revoked with DenyPermission
func (t *Transport) Permission() device.PermissionProvider {
	return device.PermissionFunc(func(context.Context) (bool, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return !t.permissionDeny, nil
	})
}

// DenyPermission makes Permission resolve to false
func (t *Transport) DenyPermission(deny bool) {
	t.mu.Lock()
	t.permissionDeny = deny
	t.mu.Unlock()
}

// FailDials makes the next n Dial calls fail
func (t *Transport) FailDials(n int) {
	t.mu.Lock()
	t.failDials = n
	t.mu.Unlock()
}

// FailKeepAlive makes RSSI, capability and link parameter reads fail
func (t *Transport) FailKeepAlive(fail bool) {
	t.mu.Lock()
	t.failKeepAlive = fail
	t.mu.Unlock()
}

// DropLink simulates the headset going out of range
func (t *Transport) DropLink() {
	t.mu.Lock()
	l := t.link
	t.mu.Unlock()
	if l != nil {
		l.drop()
	}
}

// Dials returns the number of Dial calls so far
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Scan reports the headset once per second until ctx ends
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	adv := advertisement{cfg: t.cfg}
	handler(adv)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if allowDup {
				handler(adv)
			}
		}
	}
}

// Dial connects to the headset when address matches the configured one
func (t *Transport) Dial(ctx context.Context, address string, opts device.ConnectOptions) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++

	if t.failDials > 0 {
		t.failDials--
		return nil, fmt.Errorf("dial %s: %w", address, ErrInjected)
	}
	if !strings.EqualFold(address, t.cfg.Address) {
		return nil, fmt.Errorf("dial %s: %w", address, device.ErrNotConnected)
	}
	if t.link != nil && !t.link.isClosed() {
		return nil, device.ErrAlreadyConnected
	}

	mtu := t.cfg.MTU
	if opts.MTU > 0 && opts.MTU < mtu {
		mtu = opts.MTU
	}
	t.link = newLink(t, mtu)
	t.logger.WithFields(logrus.Fields{
		"address": address,
		"mtu":     mtu,
	}).Info("Simulated headset connected")
	return t.link, nil
}

func (t *Transport) keepAliveFails() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failKeepAlive
}

type advertisement struct {
	cfg Config
}

func (a advertisement) LocalName() string        { return a.cfg.Name }
func (a advertisement) ManufacturerData() []byte { return nil }
func (a advertisement) Services() []string       { return []string{device.ServiceSerialStream} }
func (a advertisement) Connectable() bool        { return true }
func (a advertisement) RSSI() int                { return a.cfg.RSSI }
func (a advertisement) Addr() string             { return a.cfg.Address }

// Link is a simulated connection. Subscribing to the serial stream starts the generator.
type Link struct {
	t   *Transport
	mtu int

	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	streamCh <-chan struct{}

	disconnected chan struct{}
	dropOnce     sync.Once
}

func newLink(t *Transport, mtu int) *Link {
	return &Link{t: t, mtu: mtu, disconnected: make(chan struct{})}
}

func (l *Link) Address() string { return l.t.cfg.Address }

func (l *Link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *Link) ExchangeMTU(mtu int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mtu >= 23 && mtu < l.mtu {
		l.mtu = mtu
	}
	return l.mtu, nil
}

func (l *Link) RequestPriority(device.Priority) error { return nil }

func (l *Link) DiscoverCapabilities(ctx context.Context) ([]device.Capability, error) {
	if err := l.check(ctx, true); err != nil {
		return nil, err
	}
	return []device.Capability{
		{Service: device.ServiceGenericAccess, Characteristics: []string{device.CharPreferredConnParams}},
		{Service: device.ServiceBattery, Characteristics: []string{device.CharBatteryLevel}},
		{Service: device.ServiceSerialStream, Characteristics: []string{device.CharSerialStreamNotify}},
	}, nil
}

func (l *Link) ReadSignalStrength(ctx context.Context) (int, error) {
	if err := l.check(ctx, true); err != nil {
		return 0, err
	}
	return l.t.cfg.RSSI, nil
}

func (l *Link) ReadLinkParameters(ctx context.Context) (device.LinkParameters, error) {
	if err := l.check(ctx, true); err != nil {
		return device.LinkParameters{}, err
	}
	l.mu.Lock()
	mtu := l.mtu
	l.mu.Unlock()
	return device.LinkParameters{
		MTU:      mtu,
		Interval: 15 * time.Millisecond,
		Latency:  0,
		Timeout:  4 * time.Second,
	}, nil
}

func (l *Link) ReadCharacteristic(ctx context.Context, service, char string) ([]byte, error) {
	if err := l.check(ctx, false); err != nil {
		return nil, err
	}
	svc, ch := device.NormalizeUUID(service), device.NormalizeUUID(char)
	switch {
	case svc == device.ServiceBattery && ch == device.CharBatteryLevel:
		return []byte{90}, nil
	case svc == device.ServiceGenericAccess && ch == device.CharPreferredConnParams:
		return []byte{12, 0, 24, 0, 0, 0, 144, 1}, nil
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, ch}}
}

// Subscribe starts the frame stream on the serial characteristic
func (l *Link) Subscribe(service, char string, callback func([]byte)) (device.Subscription, error) {
	if err := l.check(context.Background(), false); err != nil {
		return nil, err
	}
	svc, ch := device.NormalizeUUID(service), device.NormalizeUUID(char)
	if svc != device.ServiceSerialStream || ch != device.CharSerialStreamNotify {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, ch}}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil, fmt.Errorf("stream already subscribed: %w", device.ErrUnsupported)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	cfg := l.t.cfg
	chunk := l.mtu - 3
	logger := l.t.logger
	l.streamCh = groutine.Go(ctx, "sim-headset-stream", func(ctx context.Context) {
		stream(ctx, cfg, chunk, logger, callback)
	})
	return &subscription{link: l}, nil
}

func stream(ctx context.Context, cfg Config, chunk int, logger *logrus.Logger, callback func([]byte)) {
	gen := NewGenerator(cfg.SamplingRate, nil, cfg.Noise, cfg.Seed)
	ticker := time.NewTicker(cfg.NotifyInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := uint64(now.Sub(start).Seconds() * cfg.SamplingRate)
			if due <= gen.Samples() {
				continue
			}
			data := gen.Next(int(due - gen.Samples()))
			for len(data) > 0 {
				n := min(chunk, len(data))
				deliver(logger, callback, data[:n])
				data = data[n:]
			}
		}
	}
}

func deliver(logger *logrus.Logger, callback func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Notification handler panicked")
		}
	}()
	callback(data)
}

func (l *Link) stopStream() {
	l.mu.Lock()
	cancel, done := l.cancel, l.streamCh
	l.cancel, l.streamCh = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.stopStream()
	l.dropOnce.Do(func() { close(l.disconnected) })
	return nil
}

func (l *Link) drop() {
	l.t.logger.WithField("address", l.Address()).Warn("Simulated headset dropped the link")
	_ = l.Close()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) check(ctx context.Context, keepAlive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isClosed() {
		return device.ErrNotConnected
	}
	if keepAlive && l.t.keepAliveFails() {
		return ErrInjected
	}
	return nil
}

type subscription struct {
	link *Link
}

func (s *subscription) Unsubscribe() error {
	s.link.stopStream()
	return nil
}

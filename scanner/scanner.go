package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/groutine"
	"github.com/srg/mindlink/internal/retry"
	"github.com/srg/mindlink/internal/ringchan"
)

// EventType marks if the device was newly discovered, updated, or the window ended
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
	EventWindowEnd
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	case EventWindowEnd:
		return "window_end"
	}
	return "unknown"
}

// Event is delivered on the channel returned by Scan. The last event is always
// EventWindowEnd, carrying the scan error if the radio failed.
type Event struct {
	Type   EventType
	Record device.Record
	Count  int
	Err    error
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration `yaml:"duration" default:"10s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
	ServiceUUIDs    []string      `yaml:"service_uuids"`
	AllowList       []string      `yaml:"allow_list"`
	BlockList       []string      `yaml:"block_list"`
	EventBuffer     int           `yaml:"event_buffer" default:"100"`

	// Filter defaults to KnownVendor
	Filter Predicate    `yaml:"-"`
	Retry  retry.Policy `yaml:"-"`
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		AllowDuplicates: true,
		EventBuffer:     100,
		Filter:          KnownVendor,
		Retry:           DefaultRetry(),
	}
}

// DefaultRetry restarts a failed scan twice, except when the radio is off or forbidden
func DefaultRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.Linear(500 * time.Millisecond),
		Retryable: func(err error) bool {
			return !device.IsConnectionState(err, device.PermissionDenied) &&
				!device.IsConnectionState(err, device.BluetoothOff)
		},
	}
}

// Scanner handles headset discovery
type Scanner struct {
	radio      device.ScanningDevice
	permission device.PermissionProvider
	logger     *logrus.Logger

	devices *hashmap.Map[string, device.Record]
}

// NewScanner creates a new scanner. A nil permission provider is treated as granted.
func NewScanner(radio device.ScanningDevice, permission device.PermissionProvider, logger *logrus.Logger) (*Scanner, error) {
	if radio == nil {
		return nil, fmt.Errorf("scanner requires a radio")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if permission == nil {
		permission = device.AlwaysGranted
	}
	return &Scanner{
		radio:      radio,
		permission: permission,
		logger:     logger,
		devices:    hashmap.New[string, device.Record](),
	}, nil
}

// Scan collects advertisements for opts.Duration without blocking the caller.
// The returned channel is closed after EventWindowEnd.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (<-chan Event, error) {
	if err := device.EnsurePermission(ctx, s.permission); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetry()
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 100
	}

	s.devices = hashmap.New[string, device.Record]()
	events := ringchan.New[Event](buffer)
	devices := s.devices

	scanCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "scanner", func(ctx context.Context) {
		defer cancel()
		defer events.Close()

		handler := func(adv device.Advertisement) {
			s.handleAdvertisement(devices, events, adv, opts)
		}
		err := opts.Retry.Do(ctx, s.logger, "scan", func(ctx context.Context) error {
			return s.radio.Scan(ctx, opts.AllowDuplicates, handler)
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
		if err != nil {
			s.logger.WithField("error", err).Error("BLE scan failed")
		}

		s.logger.WithField("device_count", devices.Len()).Info("BLE scan completed")
		events.ForceSend(Event{Type: EventWindowEnd, Count: devices.Len(), Err: err})
	})

	return events.C(), nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(devices *hashmap.Map[string, device.Record], events *ringchan.RingChannel[Event], adv device.Advertisement, opts *ScanOptions) {
	id := adv.Addr()

	rec, existing := devices.Get(id)
	if !existing {
		if !s.shouldInclude(adv, opts) {
			return
		}
		rec, existing = devices.GetOrInsert(id, device.Record{
			ID:         id,
			Name:       adv.LocalName(),
			RSSI:       adv.RSSI(),
			Authorized: KnownVendor(adv),
		})
	}

	event := Event{Record: rec}
	if existing {
		rec.RSSI = adv.RSSI()
		devices.Set(id, rec)
		event.Record = rec
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":     rec.DisplayName(),
			"address":    rec.ID,
			"rssi":       rec.RSSI,
			"authorized": rec.Authorized,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	events.ForceSend(event)
}

// shouldInclude applies the block/allow/service filters and the predicate
func (s *Scanner) shouldInclude(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if equalAddr(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if equalAddr(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := make(map[string]struct{})
		for _, u := range adv.Services() {
			advertised[device.NormalizeUUID(u)] = struct{}{}
		}
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			if _, ok := advertised[device.NormalizeUUID(required)]; ok {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	if opts.Filter != nil && !opts.Filter(adv) {
		return false
	}
	return true
}

func equalAddr(a, b string) bool {
	return device.NormalizeUUID(a) == device.NormalizeUUID(b)
}

// Records returns a snapshot of the devices from the last scan, strongest signal first
func (s *Scanner) Records() []device.Record {
	out := make([]device.Record, 0, s.devices.Len())
	s.devices.Range(func(_ string, r device.Record) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Collect drains a scan channel and returns the final records and scan error
func Collect(events <-chan Event) ([]device.Record, error) {
	seen := make(map[string]device.Record)
	var err error
	for ev := range events {
		switch ev.Type {
		case EventNew, EventUpdated:
			seen[ev.Record.ID] = ev.Record
		case EventWindowEnd:
			err = ev.Err
		}
	}
	out := make([]device.Record, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

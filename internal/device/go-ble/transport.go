package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Transport implements device.Transport on top of a go-ble device
type Transport struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewTransport opens the platform radio through DeviceFactory
func NewTransport(logger *logrus.Logger) (*Transport, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	return &Transport{dev: dev, logger: logger}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to device.Advertisement
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := t.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Dial connects to the peripheral and applies the requested link options.
// MTU and priority requests are best effort: a refusal is logged, the link is kept.
// The GATT profile is left to DiscoverCapabilities so its retries stay with the caller.
func (t *Transport) Dial(ctx context.Context, address string, opts device.ConnectOptions) (device.Link, error) {
	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"timeout":  opts.ConnectTimeout,
		"mtu":      opts.MTU,
		"priority": opts.Priority,
	}).Info("Connecting to BLE device...")

	connCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	client, err := t.dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	l := newLink(address, client, t.logger)

	if opts.MTU > 0 {
		if mtu, err := l.ExchangeMTU(opts.MTU); err != nil {
			t.logger.WithFields(logrus.Fields{"requested": opts.MTU, "error": err}).Warn("MTU request refused")
		} else {
			t.logger.WithField("mtu", mtu).Debug("MTU negotiated")
		}
	}
	if err := l.RequestPriority(opts.Priority); err != nil {
		t.logger.WithFields(logrus.Fields{"priority": opts.Priority, "error": err}).Debug("Priority request not applied")
	}

	t.logger.WithField("address", address).Info("BLE device connected successfully")
	return l, nil
}

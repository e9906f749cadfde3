package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/retry"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the supervisor gave up on the headset during a stream
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns known failures into a short actionable message
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or no adapter was found. Turn it on and try again."
	case errors.Is(err, device.ErrPermissionDenied):
		return "Bluetooth access was denied. Grant this terminal Bluetooth permission and try again."
	case errors.Is(err, device.ErrFatal), errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("Lost the headset and gave up reconnecting (%v). Check that it is powered on and in range.", err)
	case errors.Is(err, retry.ErrExhausted):
		return fmt.Sprintf("Gave up after repeated failures: %v", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("The device does not look like a supported headset: %v", notFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return "Timed out waiting for the headset. Move closer or check that it is not paired to another host."
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("Not supported on this platform: %v", err)
	}
	return err.Error()
}

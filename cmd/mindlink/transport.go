package main

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/mindlink/internal/device"
	goble "github.com/srg/mindlink/internal/device/go-ble"
	"github.com/srg/mindlink/internal/device/sim"
	"github.com/srg/mindlink/pkg/config"
)

// openTransport returns the synthetic headset with --simulate, the platform radio otherwise
func openTransport(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) (device.Transport, device.PermissionProvider, error) {
	simulate, _ := cmd.Flags().GetBool("simulate")
	if simulate {
		t := sim.New(cfg.Sim, logger)
		return t, t.Permission(), nil
	}

	t, err := goble.NewTransport(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open BLE adapter on %s: %w", runtime.GOOS, err)
	}
	// macOS prompts on first radio use; Linux needs CAP_NET_ADMIN which dial reports itself
	return t, device.AlwaysGranted, nil
}

// defaultAddress is the headset used when stream is run without an address
func defaultAddress(cmd *cobra.Command, cfg *config.Config) (string, error) {
	if simulate, _ := cmd.Flags().GetBool("simulate"); simulate {
		return cfg.Sim.Address, nil
	}
	return "", fmt.Errorf("a device address is required without --simulate (e.g. %s)", exampleDeviceAddress)
}

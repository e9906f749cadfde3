package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/monitor"
	"github.com/srg/mindlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for EEG headsets",
	Long: `Scan for and display EEG headsets in the vicinity.

Only devices whose name or address matches a known headset vendor are shown
unless --any is given. Each device is listed once with its latest signal strength.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanAllow    []string
	scanBlock    []string
	scanAny      bool
)

func init() {
	initScanFlags()
}

func initScanFlags() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan window (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllow, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlock, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanAny, "any", false, "Show every device, not only known headset vendors")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.Output
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	if scanDuration > 0 {
		cfg.Scan.Duration = scanDuration
	}
	if len(scanServices) > 0 {
		uuids, err := device.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		cfg.Scan.ServiceUUIDs = uuids
	}
	if len(scanAllow) > 0 {
		cfg.Scan.AllowList = scanAllow
	}
	if len(scanBlock) > 0 {
		cfg.Scan.BlockList = scanBlock
	}
	if scanAny {
		cfg.Scan.AnyVendor = true
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, permission, err := openTransport(cmd, cfg, logger)
	if err != nil {
		return err
	}
	svc := monitor.New(cfg.MonitorOptions(), transport, permission, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := cfg.Scan.Options()
	events, err := svc.Scan(ctx, opts)
	if err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for headsets", "Scanning", opts.Duration)
	progress.Start()
	records, err := scanner.Collect(events)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	// strongest signal first
	sort.SliceStable(records, func(i, j int) bool { return records[i].RSSI > records[j].RSSI })

	if format == "json" {
		return displayRecordsJSON(cmd.OutOrStdout(), records)
	}
	return displayRecordsTable(cmd.OutOrStdout(), records)
}

func displayRecordsTable(out io.Writer, records []device.Record) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "No headsets discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tVENDOR\tSUPPORTED")
	fmt.Fprintln(w, strings.Repeat("-", 72))

	for _, r := range records {
		name := r.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		vendor := "-"
		if v, ok := scanner.VendorOf(r.Name, r.ID, scanner.KnownVendors); ok {
			vendor = v.Name
		}
		supported := color.RedString("no")
		if r.Authorized {
			supported = color.GreenString("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, r.ID, r.RSSI, vendor, supported)
	}

	return w.Flush()
}

func displayRecordsJSON(out io.Writer, records []device.Record) error {
	if records == nil {
		records = []device.Record{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

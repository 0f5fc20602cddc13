package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/musebridge/discovery"
	"github.com/srg/musebridge/internal/device"
	goble "github.com/srg/musebridge/internal/device/go-ble"
	"github.com/srg/musebridge/pkg/config"
	"github.com/srg/musebridge/registry"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Muse headbands",
	Long: `Scan for nearby Muse headbands and list them in the order they were found.

By default only devices advertising the Muse service or a "Muse" name are listed.`,
	Example: `  # Scan for 10 seconds (default)
  musebridge scan

  # Scan for 30 seconds and print JSON
  musebridge scan --duration 30s --format json

  # List every BLE device, not just headbands
  musebridge scan --all-devices`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 0, "Scan duration (0 uses the configured duration)")
	scanCmd.Flags().StringSlice("services", nil, "Only list devices advertising these service UUIDs")
	scanCmd.Flags().StringSlice("name", nil, "Only list devices whose name contains one of these strings")
	scanCmd.Flags().StringSliceP("allow", "a", nil, "Only list these device addresses")
	scanCmd.Flags().StringSliceP("block", "b", nil, "Never list these device addresses")
	scanCmd.Flags().Bool("all-devices", false, "List every advertising device")
	scanCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
}

// applyScanFlags overlays command line filters on the configuration.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if d, _ := flags.GetDuration("duration"); d > 0 {
		cfg.Scan.Duration = d
	}
	if flags.Changed("services") {
		cfg.Scan.Services, _ = flags.GetStringSlice("services")
	}
	if flags.Changed("name") {
		cfg.Scan.NamePrefixes, _ = flags.GetStringSlice("name")
	}
	if flags.Changed("allow") {
		cfg.Scan.AllowList, _ = flags.GetStringSlice("allow")
	}
	if flags.Changed("block") {
		cfg.Scan.BlockList, _ = flags.GetStringSlice("block")
	}
	if all, _ := flags.GetBool("all-devices"); all {
		cfg.Scan.Services = nil
		cfg.Scan.NamePrefixes = nil
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyScanFlags(cmd, cfg)

	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format: %s (must be table or json)", format)
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport := goble.NewTransport(logger)
	defer transport.Close()

	showProgress := format == "table"
	records, err := scanDevices(ctx, transport, cfg, logger, showProgress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return writeDeviceJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No devices found")
		return nil
	}
	return writeDeviceTable(out, records, time.Now())
}

// scanDevices runs discovery for cfg.Scan.Duration, or until ctx is cancelled,
// and returns what was found.
func scanDevices(ctx context.Context, transport device.Transport, cfg *config.Config, logger *logrus.Logger, progress bool) ([]registry.DeviceRecord, error) {
	reg := registry.New(logger)
	defer reg.Close()

	watcher, err := discovery.NewWatcher(discovery.Options{
		Transport: transport,
		Registry:  reg,
		Filter:    watcherFilter(cfg),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Scan.Duration)
	defer cancel()

	if err := watcher.Start(scanCtx); err != nil {
		return nil, err
	}

	if progress {
		p := NewCountdownProgressPrinter(os.Stderr, "Scanning for Muse devices", cfg.Scan.Duration).WithCounter(reg.Len)
		p.Start()
		defer p.Stop()
	}

	select {
	case <-scanCtx.Done():
	case <-watcher.Done():
	}

	scanErr := watcher.Err()
	_ = watcher.Stop()
	if scanErr != nil {
		return nil, scanErr
	}
	return reg.List(), nil
}

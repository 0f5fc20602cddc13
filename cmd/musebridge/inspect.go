package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/musebridge/inspector"
	"github.com/srg/musebridge/internal/device"
	goble "github.com/srg/musebridge/internal/device/go-ble"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Check whether a device exposes the Muse EEG service",
	Long: `Connect to a device, discover its GATT profile and report whether it has
the control characteristic and every EEG data channel needed for streaming.`,
	Example: `  musebridge inspect 00:55:DA:B0:12:34
  musebridge inspect 00:55:DA:B0:12:34 --services`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Duration("connect-timeout", 0, "Connection timeout (0 uses the configured timeout)")
	inspectCmd.Flags().Bool("services", false, "Also list every discovered service and characteristic")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	timeout := cfg.Session.ConnectTimeout
	if d, _ := cmd.Flags().GetDuration("connect-timeout"); d > 0 {
		timeout = d
	}
	showServices, _ := cmd.Flags().GetBool("services")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport := goble.NewTransport(logger)
	defer transport.Close()

	progress := func(phase string) {
		fmt.Fprintf(os.Stderr, "%s%s...", clearLineSequence, phase)
	}
	report, err := inspector.InspectDevice(ctx, transport, args[0],
		&inspector.InspectOptions{ConnectTimeout: timeout}, logger, progress,
		func(conn device.Connection, profile []device.ServiceInfo) (inspector.MuseReport, error) {
			return inspector.CheckMuseProfile(conn.Address(), profile), nil
		})
	fmt.Fprint(os.Stderr, clearLineSequence)
	if err != nil {
		return err
	}

	writeMuseReport(cmd.OutOrStdout(), report, showServices)
	return nil
}

func checkMark(ok bool) string {
	if ok {
		return onlineColor.Sprint("yes")
	}
	return offlineColor.Sprint("no")
}

func writeMuseReport(w io.Writer, r inspector.MuseReport, showServices bool) {
	fmt.Fprintf(w, "Device:      %s\n", r.Address)
	fmt.Fprintf(w, "EEG service: %s\n", checkMark(r.HasService))
	fmt.Fprintf(w, "Control:     %s\n", checkMark(r.HasControl))
	for _, ch := range r.Channels {
		fmt.Fprintf(w, "  %-10s %s\n", ch.Label, checkMark(ch.Present && ch.Notify))
	}
	if r.Streamable() {
		fmt.Fprintln(w, streamingColor.Sprint("Ready to stream"))
	} else {
		fmt.Fprintln(w, "Not a streamable Muse headband")
	}

	if !showServices {
		return
	}
	fmt.Fprintln(w, "\nServices:")
	for _, svc := range r.Services {
		fmt.Fprintf(w, "  %s\n", device.ShortenUUID(svc.UUID))
		for _, c := range svc.Characteristics {
			props := c.Properties.String()
			if props == "" {
				props = "-"
			}
			fmt.Fprintf(w, "    %s  [%s]\n", device.ShortenUUID(c.UUID), strings.ReplaceAll(props, ",", " "))
		}
	}
}

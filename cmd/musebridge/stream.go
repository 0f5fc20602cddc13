package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/musebridge/internal/device/go-ble"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/pkg/config"
	"github.com/srg/musebridge/registry"
	"github.com/srg/musebridge/sink"
	"github.com/srg/musebridge/sink/natssink"
)

const shutdownTimeout = 10 * time.Second

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Discover headbands and stream their EEG data",
	Long: `Run the bridge: scan continuously, connect to the selected headbands,
start their EEG stream and publish reassembled sample frames.

Streaming resumes automatically when a headband that dropped out comes back in range.
Send SIGHUP to forget idle devices and rescan.`,
	Example: `  # Stream one headband and discard the frames (dry run)
  musebridge stream --device 00:55:DA:B0:12:34

  # Stream every headband in range to NATS and expose metrics
  musebridge stream --all --sink nats --nats-url nats://localhost:4222 --metrics-addr :9090`,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().StringSlice("device", nil, "Device address to stream (repeatable)")
	streamCmd.Flags().Bool("all", false, "Stream every headband that is discovered")
	streamCmd.Flags().String("sink", "", "Frame sink (discard, nats)")
	streamCmd.Flags().String("nats-url", "", "NATS server URL")
	streamCmd.Flags().String("subject-prefix", "", "NATS subject prefix")
	streamCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	streamCmd.Flags().Bool("status", true, "Print the device table whenever it changes")
}

func applyStreamFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.AutoStream.Devices, _ = flags.GetStringSlice("device")
	}
	if all, _ := flags.GetBool("all"); all {
		cfg.AutoStream.All = true
	}
	if v, _ := flags.GetString("sink"); v != "" {
		cfg.Sink.Kind = v
	}
	if v, _ := flags.GetString("nats-url"); v != "" {
		cfg.Sink.NATSURL = v
	}
	if v, _ := flags.GetString("subject-prefix"); v != "" {
		cfg.Sink.SubjectPrefix = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyStreamFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.AutoStream.All && len(cfg.AutoStream.Devices) == 0 {
		return fmt.Errorf("nothing to stream: pass --device or --all")
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	out, closeSink, err := openSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	transport := goble.NewTransport(logger)
	defer transport.Close()

	b, err := newBridge(cfg, transport, out, m, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, promReg, logger)
		defer srv.Close()
	}

	if show, _ := cmd.Flags().GetBool("status"); show {
		groutine.Go(ctx, "status-printer", func(ctx context.Context) {
			printStatus(ctx, cmd.OutOrStdout(), b.registry)
		})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	groutine.Go(ctx, "rescan-on-hup", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := b.rescan(ctx); err != nil {
					logger.WithField("error", err).Warn("Rescan ignored")
				}
			}
		}
	})

	runErr := b.run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := b.shutdown(stopCtx); err != nil {
		logger.WithField("error", err).Warn("Shutdown finished with errors")
	}
	return runErr
}

// openSink creates the configured frame sink and a function releasing it.
func openSink(cfg *config.Config, logger *logrus.Logger) (sink.Sink, func(), error) {
	switch strings.ToLower(cfg.Sink.Kind) {
	case config.SinkNATS:
		nc, err := natssink.Connect(cfg.Sink.NATSURL, "musebridge", logger)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", sink.ErrSinkUnavailable, err)
		}
		return natssink.New(nc, cfg.Sink.SubjectPrefix, logger), func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}, nil
	default:
		return sink.Discard{}, func() {}, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(context.Background(), "metrics-server", func(context.Context) {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err).Error("Metrics server failed")
		}
	})
	return srv
}

// printStatus redraws the device table after registry changes, at most once per second.
func printStatus(ctx context.Context, w io.Writer, reg *registry.Registry) {
	changes := reg.Subscribe()
	defer reg.Unsubscribe(changes)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var printed, latest uint64
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-changes:
			if !ok {
				return
			}
			latest = v
		case <-ticker.C:
			if latest == printed {
				continue
			}
			printed = latest
			fmt.Fprintln(w)
			_ = writeDeviceTable(w, reg.List(), time.Now())
		}
	}
}

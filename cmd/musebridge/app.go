package main

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/discovery"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/pkg/config"
	"github.com/srg/musebridge/registry"
	"github.com/srg/musebridge/session"
	"github.com/srg/musebridge/sink"
)

// bridge wires discovery, sessions and publishing for one process.
type bridge struct {
	logger    *logrus.Logger
	registry  *registry.Registry
	watcher   *discovery.Watcher
	manager   *session.Manager
	publisher *sink.Publisher
	auto      *autoStreamer
}

func watcherFilter(cfg *config.Config) *discovery.Filter {
	return &discovery.Filter{
		ServiceUUIDs: cfg.Scan.Services,
		NamePrefixes: cfg.Scan.NamePrefixes,
		AllowList:    cfg.Scan.AllowList,
		BlockList:    cfg.Scan.BlockList,
	}
}

func newBridge(cfg *config.Config, transport device.Transport, out sink.Sink, m *metrics.Metrics, logger *logrus.Logger) (*bridge, error) {
	b := &bridge{
		logger:    logger,
		registry:  registry.New(logger),
		publisher: sink.NewPublisher(out, cfg.Sink.QueueSize, m, logger),
	}

	var err error
	b.manager, err = session.NewManager(session.Options{
		Transport:       transport,
		Registry:        b.registry,
		Publisher:       b.publisher,
		Metrics:         m,
		Logger:          logger,
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		CommandTimeout:  cfg.Session.CommandTimeout,
		TeardownTimeout: cfg.Session.TeardownTimeout,
		StaleAfter:      cfg.Session.StaleAfter,
		QueueSize:       cfg.Session.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	b.auto = newAutoStreamer(b.manager, cfg.AutoStream, logger)

	b.watcher, err = discovery.NewWatcher(discovery.Options{
		Transport:    transport,
		Registry:     b.registry,
		Filter:       watcherFilter(cfg),
		Metrics:      m,
		Logger:       logger,
		OnDiscovered: b.auto.onDiscovered,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// run starts discovery and blocks until ctx is done or the adapter fails.
func (b *bridge) run(ctx context.Context) error {
	b.auto.start(ctx)
	if err := b.watcher.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.watcher.Done():
		}
		if err := b.watcher.Err(); err != nil {
			return err
		}
		// A rescan replaces the scan loop before the old one reports done.
		if b.watcher.State() == discovery.Stopped {
			return nil
		}
	}
}

// rescan forgets idle devices and scans again.
func (b *bridge) rescan(ctx context.Context) error {
	return b.watcher.ForceRescan(ctx)
}

// shutdown stops scanning, tears down every session and flushes the sink.
func (b *bridge) shutdown(ctx context.Context) error {
	var errs []error
	if err := b.watcher.Stop(); err != nil && !errors.Is(err, discovery.ErrNotRunning) {
		errs = append(errs, err)
	}
	b.auto.wait()
	if err := b.manager.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.publisher.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	b.registry.Close()
	return errors.Join(errs...)
}

// autoStreamer starts a session whenever a wanted device is advertising and idle.
// Devices without the EEG service are not retried until they are rediscovered in a new scan.
type autoStreamer struct {
	manager *session.Manager
	all     bool
	wanted  map[string]struct{}
	logger  *logrus.Logger

	ctx      context.Context
	inflight *xsync.MapOf[string, struct{}]
	rejected *xsync.MapOf[string, struct{}]
	wg       sync.WaitGroup
}

func newAutoStreamer(mgr *session.Manager, cfg config.AutoStreamConfig, logger *logrus.Logger) *autoStreamer {
	wanted := make(map[string]struct{}, len(cfg.Devices))
	for _, id := range cfg.Devices {
		wanted[strings.ToUpper(strings.TrimSpace(id))] = struct{}{}
	}
	return &autoStreamer{
		manager:  mgr,
		all:      cfg.All,
		wanted:   wanted,
		logger:   logger,
		ctx:      context.Background(),
		inflight: xsync.NewMapOf[string, struct{}](),
		rejected: xsync.NewMapOf[string, struct{}](),
	}
}

func (a *autoStreamer) start(ctx context.Context) {
	a.ctx = ctx
}

func (a *autoStreamer) enabled() bool {
	return a.all || len(a.wanted) > 0
}

func (a *autoStreamer) wants(rec registry.DeviceRecord) bool {
	if a.all {
		return true
	}
	if _, ok := a.wanted[strings.ToUpper(rec.ID)]; ok {
		return true
	}
	_, ok := a.wanted[strings.ToUpper(rec.MacAddress())]
	return ok
}

func (a *autoStreamer) onDiscovered(rec registry.DeviceRecord, isNew bool) {
	if !a.enabled() || !a.wants(rec) {
		return
	}
	if isNew {
		a.rejected.Delete(rec.ID)
	}
	if _, skip := a.rejected.Load(rec.ID); skip {
		return
	}
	if !rec.CanStream() || a.manager.IsStreaming(rec.ID) || a.ctx.Err() != nil {
		return
	}
	if _, loaded := a.inflight.LoadOrStore(rec.ID, struct{}{}); loaded {
		return
	}

	id := rec.ID
	groutine.GoTracked(a.ctx, &a.wg, "autostream-"+id, func(ctx context.Context) {
		defer a.inflight.Delete(id)

		err := a.manager.Start(ctx, id)
		switch {
		case err == nil:
			a.logger.WithField("device", id).Info("Streaming started")
		case errors.Is(err, session.ErrAlreadyStreaming), errors.Is(err, context.Canceled):
		case errors.Is(err, session.ErrServiceNotFound):
			a.rejected.Store(id, struct{}{})
			a.logger.WithField("device", id).Warn("Device has no EEG service, not retrying")
		default:
			a.logger.WithFields(logrus.Fields{
				"device": id,
				"error":  err,
			}).Warn("Failed to start streaming")
		}
	})
}

// wait blocks until every in-flight start has returned. Discovery must be stopped first.
func (a *autoStreamer) wait() {
	a.wg.Wait()
}

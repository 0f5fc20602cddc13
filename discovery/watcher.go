// Package discovery watches BLE advertisements and keeps the registry up to
// date with nearby headbands.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/registry"
)

var (
	// ErrAdapter reports that the local Bluetooth adapter could not be used for scanning
	ErrAdapter = errors.New("bluetooth adapter unavailable")
	// ErrNotRunning is returned by operations that need a running watcher
	ErrNotRunning = errors.New("watcher is not running")
)

// State is the watcher lifecycle state
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Filter selects which advertisements are treated as headbands.
// A device matches when it is not blocked, is allowed (if an allow list is set)
// and advertises one of ServiceUUIDs or has a local name containing one of NamePrefixes.
type Filter struct {
	ServiceUUIDs []string
	NamePrefixes []string
	AllowList    []string
	BlockList    []string
}

// DefaultFilter matches Muse headbands.
func DefaultFilter() Filter {
	return Filter{
		ServiceUUIDs: []string{muse.ServiceUUID},
		NamePrefixes: []string{muse.DeviceNamePrefix},
	}
}

func (f Filter) match(adv device.Advertisement) bool {
	addr := adv.Addr()

	for _, blocked := range f.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(f.ServiceUUIDs) == 0 && len(f.NamePrefixes) == 0 {
		return true
	}

	for _, required := range f.ServiceUUIDs {
		want := device.NormalizeUUID(required)
		for _, advUUID := range adv.Services() {
			if device.NormalizeUUID(advUUID) == want {
				return true
			}
		}
	}

	name := strings.ToLower(adv.LocalName())
	for _, prefix := range f.NamePrefixes {
		if prefix != "" && strings.Contains(name, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// Options configures a Watcher. Zero values are replaced by defaults.
type Options struct {
	Transport    device.Transport
	Registry     *registry.Registry
	Filter       *Filter
	Metrics      *metrics.Metrics
	Logger       *logrus.Logger
	StopTimeout  time.Duration
	StartupGrace time.Duration // how long Start waits for an immediate adapter failure

	// OnDiscovered is called for every matching advertisement after the registry is updated.
	// isNew is true the first time an address is seen during a scan.
	OnDiscovered func(rec registry.DeviceRecord, isNew bool)
}

// Watcher scans continuously and upserts matching devices as Online.
type Watcher struct {
	opts   Options
	filter Filter
	logger *logrus.Logger

	mu        sync.Mutex
	state     State
	resetting bool
	stopGen   uint64 // bumped by Stop; a launch prepared under an older value is abandoned
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	parentCtx context.Context
}

// NewWatcher creates a stopped watcher.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 250 * time.Millisecond
	}
	filter := DefaultFilter()
	if opts.Filter != nil {
		filter = *opts.Filter
	}

	done := make(chan struct{})
	close(done)
	return &Watcher{
		opts:   opts,
		filter: filter,
		logger: opts.Logger,
		done:   done,
	}, nil
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the error that ended the last scan, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the current scan loop exits.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Start begins scanning. It returns ErrAdapter when the adapter cannot be
// opened or fails right away; such failures are not retried.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Stopped {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("watcher is %s", state)
	}
	w.state = Starting
	w.parentCtx = ctx
	gen := w.stopGen
	w.mu.Unlock()

	w.logger.Info("Starting device watcher...")
	return w.begin(ctx, gen)
}

// begin opens a scanner and launches the scan loop, unless Stop was called after gen was taken.
func (w *Watcher) begin(ctx context.Context, gen uint64) error {
	scanner, err := w.opts.Transport.NewScanner()
	if err != nil {
		w.fail(err)
		return fmt.Errorf("%w: %w", ErrAdapter, err)
	}

	done, ok := w.launch(ctx, scanner, gen)
	if !ok {
		w.logger.Info("Device watcher stopped before scanning began")
		return nil
	}

	select {
	case <-done:
		if err := w.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAdapter, err)
		}
		return nil
	case <-time.After(w.opts.StartupGrace):
		return nil
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.state = Stopped
	w.err = err
	w.mu.Unlock()

	w.logger.WithField("error", err).Error("Device watcher failed to start")
}

func (w *Watcher) launch(parent context.Context, scanner device.Scanner, gen uint64) (<-chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopGen != gen {
		w.state = Stopped
		return nil, false
	}

	scanCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.err = nil
	w.state = Running

	seen := &sync.Map{} // addresses that passed the filter during this scan
	groutine.Go(scanCtx, "device-watcher", func(ctx context.Context) {
		defer close(done)
		w.scan(ctx, scanner, func(adv device.Advertisement) {
			w.handleAdvertisement(seen, adv)
		})
	})
	return done, true
}

func (w *Watcher) scan(ctx context.Context, scanner device.Scanner, handler func(device.Advertisement)) {
	err := scanner.Scan(ctx, true, handler)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}

	// The watcher stays Stopping while a refresh is pending, so the restart
	// below can only proceed if no Stop arrives before it launches.
	w.mu.Lock()
	w.err = err
	restart := w.resetting && err == nil && w.parentCtx != nil && w.parentCtx.Err() == nil
	w.resetting = false
	if !restart {
		w.state = Stopped
	}
	parent, gen := w.parentCtx, w.stopGen
	w.mu.Unlock()

	switch {
	case err != nil:
		w.logger.WithField("error", err).Error("Device scan failed")
	case restart:
		w.restart(parent, gen)
	default:
		w.logger.Info("Device watcher stopped")
	}
}

// restart forgets idle devices and scans again, unless Stop was called since the refresh began.
func (w *Watcher) restart(parent context.Context, gen uint64) {
	w.mu.Lock()
	if w.stopGen != gen {
		w.state = Stopped
		w.mu.Unlock()
		w.logger.Info("Device watcher stopped during refresh")
		return
	}
	w.state = Starting
	w.mu.Unlock()

	w.opts.Registry.Reset()
	w.opts.Metrics.SetDevicesKnown(w.opts.Registry.Len())

	w.logger.Info("Restarting device watcher after refresh")
	if err := w.begin(parent, gen); err != nil {
		w.logger.WithField("error", err).Error("Failed to restart device watcher")
	}
}

// handleAdvertisement upserts matching devices. The filter is evaluated only
// for addresses not seen yet in this scan.
func (w *Watcher) handleAdvertisement(seen *sync.Map, adv device.Advertisement) {
	addr := adv.Addr()
	if addr == "" {
		return
	}

	_, known := seen.Load(addr)
	if !known {
		if !w.filter.match(adv) {
			return
		}
		_, known = seen.LoadOrStore(addr, struct{}{})
	}

	rec := w.opts.Registry.Upsert(addr, adv.LocalName(), registry.Online)
	w.opts.Metrics.SetDevicesKnown(w.opts.Registry.Len())

	if !known {
		w.logger.WithFields(logrus.Fields{
			"device":  rec.Name,
			"address": addr,
			"rssi":    adv.RSSI(),
		}).Info("Discovered new device")
	} else {
		w.logger.WithFields(logrus.Fields{
			"address": addr,
			"rssi":    adv.RSSI(),
		}).Debug("Device advertisement")
	}

	if w.opts.OnDiscovered != nil {
		w.opts.OnDiscovered(rec, !known)
	}
}

// Stop cancels the scan and waits for the scan loop to exit, up to StopTimeout.
// A pending refresh is abandoned.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.state == Stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopGen++
	w.state = Stopping
	w.resetting = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-time.After(w.opts.StopTimeout):
		w.logger.WithField("timeout", w.opts.StopTimeout).Warn("Device watcher did not stop in time")
		return fmt.Errorf("stop watcher: %w", device.ErrTimeout)
	}
}

// ForceRescan stops the scan. Once the scan loop has fully stopped, every device
// that is not streaming is forgotten and scanning restarts exactly once.
func (w *Watcher) ForceRescan(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Running || w.resetting {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.resetting = true
	w.state = Stopping
	w.parentCtx = ctx
	cancel := w.cancel
	w.mu.Unlock()

	w.logger.Info("Forcing device rescan")
	if cancel != nil {
		cancel()
	}
	return nil
}

// Package session connects to headbands, streams their EEG notifications
// through the reassembler and hands the resulting frames to the publisher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/reassembly"
	"github.com/srg/musebridge/registry"
	"github.com/srg/musebridge/sink"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrServiceNotFound   = errors.New("service not found")
	ErrAlreadyStreaming  = errors.New("device is already streaming")
	ErrNotStreaming      = errors.New("device is not streaming")
)

// Publisher receives reassembled frames. Implemented by *sink.Publisher.
type Publisher interface {
	SetMetadata(deviceID string, info sink.StreamInfo)
	Publish(deviceID string, channelNames []string, nominalRate float64, frames []reassembly.SampleFrame) error
	Close(ctx context.Context, deviceID string) error
}

// Options configures a Manager. Zero durations are replaced by defaults.
type Options struct {
	Transport device.Transport
	Registry  *registry.Registry
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger

	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	TeardownTimeout time.Duration
	StaleAfter      time.Duration
	FlushInterval   time.Duration
	QueueSize       uint32 // notifications buffered per session
}

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultCommandTimeout  = 2 * time.Second
	DefaultTeardownTimeout = 2 * time.Second
	DefaultQueueSize       = 1024
)

// Manager owns at most one streaming session per device id.
// Start, Stop and connection-status handling for one id are serialized;
// different ids never contend.
type Manager struct {
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	locks    *xsync.MapOf[string, *sync.Mutex]
	sessions *xsync.MapOf[string, *session]
	nextPort atomic.Int32
}

// NewManager validates opts and creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Publisher == nil {
		opts.Publisher = sink.NewPublisher(sink.Discard{}, 0, opts.Metrics, opts.Logger)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = reassembly.DefaultStaleAfter
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = opts.StaleAfter / 2
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		sessions: xsync.NewMapOf[string, *session](),
	}, nil
}

func (m *Manager) lock(id string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return mu
}

// Start connects to the device, verifies its GATT layout, sends the start
// command and begins streaming. On any failure the connection is released and
// the registry is left unchanged.
func (m *Manager) Start(ctx context.Context, id string) error {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	err := m.start(ctx, id)
	switch {
	case err == nil:
		m.opts.Metrics.SessionStarted("ok")
	case errors.Is(err, ErrAlreadyStreaming):
		m.opts.Metrics.SessionStarted("already_streaming")
	case errors.Is(err, ErrServiceNotFound):
		m.opts.Metrics.SessionStarted("service_not_found")
	default:
		m.opts.Metrics.SessionStarted("unavailable")
	}
	return err
}

func (m *Manager) start(ctx context.Context, id string) error {
	if _, ok := m.sessions.Load(id); ok {
		return ErrAlreadyStreaming
	}

	rec, ok := m.opts.Registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s is not known", ErrDeviceUnavailable, id)
	}
	if !rec.CanStream() {
		return fmt.Errorf("%w: %s is %s", ErrDeviceUnavailable, id, rec.Status)
	}

	log := m.logger.WithFields(logrus.Fields{
		"device":  rec.Name,
		"address": id,
	})
	log.Info("Starting stream...")

	conn, err := m.opts.Transport.Connect(ctx, id, m.opts.ConnectTimeout)
	if err != nil {
		log.WithField("error", err).Error("Failed to connect")
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	fail := func(err error) error {
		if cerr := conn.Close(); cerr != nil {
			log.WithField("error", cerr).Warn("Failed to close connection")
		}
		return err
	}

	profile, err := conn.DiscoverServices()
	if err != nil {
		log.WithField("error", err).Error("Failed to discover services")
		return fail(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err))
	}
	if err := verifyProfile(profile); err != nil {
		log.WithField("error", err).Error("Device does not expose the EEG service")
		return fail(fmt.Errorf("%w: %w", ErrServiceNotFound, err))
	}

	if err := m.command(conn, muse.StartCommand); err != nil {
		log.WithField("error", err).Error("Failed to send start command")
		return fail(fmt.Errorf("%w: start command: %w", ErrDeviceUnavailable, err))
	}

	sess := m.newSession(id, rec, conn)
	m.opts.Publisher.SetMetadata(id, sink.StreamInfo{
		Name:         sess.streamName,
		SourceID:     muse.SourceID(id),
		Type:         muse.StreamType,
		ChannelNames: muse.ChannelLabels(),
		ChannelUnit:  muse.ChannelUnit,
		NominalRate:  muse.NominalRate,
		Format:       sink.FormatFloat32,
		Manufacturer: muse.Manufacturer,
		SessionID:    sess.sessionID.String(),
	})

	if err := m.runWorker(sess); err != nil {
		sess.cancel()
		return fail(err)
	}

	for _, ch := range sess.channels {
		if err := conn.Subscribe(muse.ServiceUUID, ch, m.notificationHandler(sess, ch)); err != nil {
			log.WithFields(logrus.Fields{
				"channel": ch,
				"error":   err,
			}).Error("Failed to subscribe to EEG channel")
			m.teardown(sess, true)
			return fmt.Errorf("%w: subscribe %s: %w", ErrDeviceUnavailable, device.ShortenUUID(device.NormalizeUUID(ch)), err)
		}
	}

	m.sessions.Store(id, sess)
	port := int(m.nextPort.Add(1))
	m.opts.Registry.SetStreaming(id, true)
	m.opts.Registry.SetOutput(id, sess.streamName, port)
	m.opts.Metrics.SetActiveSessions(m.sessions.Size())

	m.monitor(sess)

	log.WithFields(logrus.Fields{
		"session": sess.sessionID,
		"stream":  sess.streamName,
	}).Info("Streaming started")
	return nil
}

// verifyProfile checks for the EEG service, the control characteristic and every data channel.
func verifyProfile(profile []device.ServiceInfo) error {
	for _, char := range append([]string{muse.ControlUUID}, muse.ChannelUUIDs()...) {
		if _, err := device.FindCharacteristic(profile, muse.ServiceUUID, char); err != nil {
			return err
		}
	}
	return nil
}

// command writes to the control characteristic, bounded by CommandTimeout.
func (m *Manager) command(conn device.Connection, cmd []byte) error {
	errCh := make(chan error, 1)
	groutine.Go(context.Background(), "muse-command-"+conn.Address(), func(context.Context) {
		errCh <- conn.Write(muse.ServiceUUID, muse.ControlUUID, cmd, false)
	})

	select {
	case err := <-errCh:
		return err
	case <-time.After(m.opts.CommandTimeout):
		return fmt.Errorf("control write: %w", device.ErrTimeout)
	}
}

func (m *Manager) newSession(id string, rec registry.DeviceRecord, conn device.Connection) *session {
	ctx, cancel := context.WithCancel(context.Background())
	name := rec.Name
	if name == "" {
		name = muse.SourceID(id)
	}
	return &session{
		id:         id,
		sessionID:  uuid.New(),
		streamName: name,
		conn:       conn,
		channels:   muse.ChannelUUIDs(),
		started:    m.now(),
		ctx:        ctx,
		cancel:     cancel,
		queue:      mpmc.NewOverlappedRingBuffer[notification](m.opts.QueueSize),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// notificationHandler runs on the BLE stack goroutine and never blocks:
// when the worker falls behind the oldest notifications are overwritten.
func (m *Manager) notificationHandler(sess *session, channel string) func([]byte) {
	return func(data []byte) {
		if sess.ctx.Err() != nil {
			return
		}
		n := notification{
			channel: channel,
			payload: append([]byte(nil), data...),
			arrival: m.now(),
		}
		overwrites, err := sess.queue.EnqueueM(n)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"address": sess.id,
				"error":   err,
			}).Warn("Failed to queue notification")
			return
		}
		if overwrites > 0 {
			m.opts.Metrics.FramesDroppedAdd(sess.id, metrics.DropOverwrite, int(overwrites)*muse.BatchSize)
		}
		m.opts.Metrics.NotificationReceived(sess.id)
		sess.signal()
	}
}

// runWorker starts the goroutine that owns the session's reassembler.
func (m *Manager) runWorker(sess *session) error {
	labels := muse.ChannelLabels()
	log := m.logger.WithField("address", sess.id)

	reasm, err := reassembly.New(reassembly.Config{
		Channels:       sess.channels,
		BatchSize:      muse.BatchSize,
		SampleInterval: muse.SampleInterval,
		StaleAfter:     m.opts.StaleAfter,
		Now:            m.now,
	}, func(b reassembly.Batch) {
		m.opts.Metrics.BatchEmitted(sess.id, b.Stale())
		if b.Stale() {
			log.WithFields(logrus.Fields{
				"seq":     b.Sequence,
				"missing": len(b.Missing),
			}).Debug("Flushed incomplete batch")
		}
		if sess.ctx.Err() != nil {
			return
		}
		if err := m.opts.Publisher.Publish(sess.id, labels, muse.NominalRate, b.Frames); err != nil {
			log.WithFields(logrus.Fields{
				"seq":   b.Sequence,
				"error": err,
			}).Debug("Batch not published")
		}
	})
	if err != nil {
		return fmt.Errorf("create reassembler: %w", err)
	}

	groutine.Go(sess.ctx, "session-"+sess.id, func(ctx context.Context) {
		defer close(sess.done)
		defer reasm.Close()

		ticker := time.NewTicker(m.opts.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.wake:
				m.drain(ctx, sess, reasm, log)
			case <-ticker.C:
				reasm.Flush(m.now())
			}
			sess.setStats(reasm.Stats())
		}
	})
	return nil
}

func (m *Manager) drain(ctx context.Context, sess *session, reasm *reassembly.Reassembler, log *logrus.Entry) {
	for !sess.queue.IsEmpty() && ctx.Err() == nil {
		n, err := sess.queue.Dequeue()
		if err != nil {
			return
		}
		if err := reasm.Add(n.channel, n.payload, n.arrival); err != nil {
			m.opts.Metrics.DecodeError(sess.id)
			log.WithFields(logrus.Fields{
				"channel": device.ShortenUUID(device.NormalizeUUID(n.channel)),
				"error":   err,
			}).Debug("Dropped notification")
		}
	}
}

// monitor watches for link loss for the lifetime of the session.
func (m *Manager) monitor(sess *session) {
	groutine.Go(sess.ctx, "session-monitor-"+sess.id, func(ctx context.Context) {
		select {
		case <-sess.conn.Disconnected():
			m.connectionStatus(sess.id, false, sess)
		case <-ctx.Done():
		}
	})
}

// teardown releases everything a session holds. Must be called with the per-id lock held.
func (m *Manager) teardown(sess *session, sendStop bool) {
	begin := time.Now()
	log := m.logger.WithField("address", sess.id)

	if sendStop {
		if err := m.command(sess.conn, muse.StopCommand); err != nil {
			log.WithField("error", err).Warn("Failed to send stop command")
		}
	}

	for _, ch := range sess.channels {
		if err := sess.conn.Unsubscribe(muse.ServiceUUID, ch); err != nil {
			log.WithFields(logrus.Fields{
				"channel": device.ShortenUUID(device.NormalizeUUID(ch)),
				"error":   err,
			}).Debug("Failed to unsubscribe")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()

	sess.cancel()
	select {
	case <-sess.done:
	case <-ctx.Done():
		log.WithField("timeout", m.opts.TeardownTimeout).Warn("Session worker did not stop in time, releasing anyway")
	}

	if err := sess.conn.Close(); err != nil {
		log.WithField("error", err).Warn("Failed to close connection")
	}
	if err := m.opts.Publisher.Close(ctx, sess.id); err != nil {
		log.WithField("error", err).Warn("Sink stream not released in time")
	}

	if cur, ok := m.sessions.Load(sess.id); ok && cur == sess {
		m.sessions.Delete(sess.id)
		m.opts.Registry.SetStreaming(sess.id, false)
	}
	m.opts.Metrics.SetActiveSessions(m.sessions.Size())
	m.opts.Metrics.ObserveTeardown(time.Since(begin).Seconds())

	log.WithField("session", sess.sessionID).Info("Streaming stopped")
}

// Stop sends the stop command and releases the session. Returns ErrNotStreaming
// without touching the transport when no session exists.
func (m *Manager) Stop(_ context.Context, id string) error {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	sess, ok := m.sessions.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStreaming, id)
	}
	m.teardown(sess, true)
	return nil
}

// HandleConnectionStatus applies a connectivity change reported by the transport.
// A lost connection ends any running session without a stop command.
func (m *Manager) HandleConnectionStatus(id string, connected bool) {
	m.connectionStatus(id, connected, nil)
}

// connectionStatus applies a connectivity change. A non-nil owner limits the
// teardown to that session, so a stale link-loss event never ends a newer one.
func (m *Manager) connectionStatus(id string, connected bool, owner *session) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if connected {
		m.opts.Registry.SetStatus(id, registry.Online)
		return
	}

	sess, ok := m.sessions.Load(id)
	if owner != nil && (!ok || sess != owner || owner.ctx.Err() != nil) {
		return
	}
	if ok {
		m.logger.WithField("address", id).Warn("Device disconnected while streaming")
		m.teardown(sess, false)
	}
	m.opts.Registry.SetStatus(id, registry.Offline)
}

// StopAll stops every session.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.Active() {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotStreaming) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the ids of streaming devices, sorted.
func (m *Manager) Active() []string {
	var ids []string
	m.sessions.Range(func(id string, _ *session) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *Manager) IsStreaming(id string) bool {
	_, ok := m.sessions.Load(id)
	return ok
}

// Stats returns the reassembly counters of a running session.
func (m *Manager) Stats(id string) (reassembly.Stats, bool) {
	sess, ok := m.sessions.Load(id)
	if !ok {
		return reassembly.Stats{}, false
	}
	return sess.getStats(), true
}

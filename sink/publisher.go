package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/groutine"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/ringchan"
	"github.com/srg/musebridge/reassembly"
)

// DefaultQueueSize is the number of batches buffered per device
const DefaultQueueSize = 64

// Publisher fans sample batches out to one sink stream per device.
// Publish never blocks: each device has a bounded queue drained by its own goroutine,
// and batches arriving at a full queue are dropped.
type Publisher struct {
	sink      Sink
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu       sync.Mutex // serializes stream creation and teardown
	streams  *hashmap.Map[string, *deviceStream]
	metadata *hashmap.Map[string, StreamInfo]
	retired  map[string]struct{} // closed devices, reopened only by SetMetadata
	closed   bool
}

type deviceStream struct {
	deviceID string
	info     StreamInfo
	queue    *ringchan.Channel[[]reassembly.SampleFrame]
	stop     chan struct{}
	done     chan struct{}
	dropped  atomic.Int64
}

// NewPublisher creates a publisher. A nil sink discards everything.
func NewPublisher(s Sink, queueSize int, m *metrics.Metrics, logger *logrus.Logger) *Publisher {
	if s == nil {
		s = Discard{}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		sink:      s,
		logger:    logger,
		metrics:   m,
		queueSize: queueSize,
		streams:   hashmap.New[string, *deviceStream](),
		metadata:  hashmap.New[string, StreamInfo](),
		retired:   make(map[string]struct{}),
	}
}

// SetMetadata sets the stream description used when the device's stream is opened.
// Channel names and rate passed to Publish take precedence. It also re-enables
// publishing for a device whose stream was closed.
func (p *Publisher) SetMetadata(deviceID string, info StreamInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata.Set(deviceID, info)
	delete(p.retired, deviceID)
}

// Publish queues frames for the device's stream, opening it on first use.
// It returns ErrSinkUnavailable when the batch had to be dropped.
func (p *Publisher) Publish(deviceID string, channelNames []string, nominalRate float64, frames []reassembly.SampleFrame) error {
	if len(frames) == 0 {
		return nil
	}

	ds, ok := p.streams.Get(deviceID)
	if !ok {
		var err error
		if ds, err = p.open(deviceID, channelNames, nominalRate, len(frames)); err != nil {
			return err
		}
	}

	if !ds.queue.TrySend(frames) {
		if n := ds.dropped.Add(1); n == 1 || n%100 == 0 {
			p.logger.WithFields(logrus.Fields{
				"device":  deviceID,
				"dropped": n,
			}).Debug("Stream queue full, dropping batch")
		}
		p.metrics.FramesDroppedAdd(deviceID, metrics.DropQueueFull, len(frames))
		return fmt.Errorf("%w: queue full for %s", ErrSinkUnavailable, deviceID)
	}
	return nil
}

func (p *Publisher) open(deviceID string, channelNames []string, nominalRate float64, n int) (*deviceStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: publisher closed", ErrSinkUnavailable)
	}
	if _, gone := p.retired[deviceID]; gone {
		p.metrics.FramesDroppedAdd(deviceID, metrics.DropClosed, n)
		return nil, fmt.Errorf("%w: stream for %s is closed", ErrSinkUnavailable, deviceID)
	}
	if ds, ok := p.streams.Get(deviceID); ok {
		return ds, nil
	}

	info := p.streamInfo(deviceID, channelNames, nominalRate)
	ds := &deviceStream{
		deviceID: deviceID,
		info:     info,
		queue:    ringchan.New[[]reassembly.SampleFrame](p.queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.streams.Set(deviceID, ds)

	groutine.Go(context.Background(), "stream-"+info.Name, func(ctx context.Context) {
		p.run(ds)
	})
	return ds, nil
}

func (p *Publisher) streamInfo(deviceID string, channelNames []string, nominalRate float64) StreamInfo {
	info, _ := p.metadata.Get(deviceID)
	if info.Name == "" {
		info.Name = deviceID
	}
	if info.SourceID == "" {
		info.SourceID = muse.SourceID(deviceID)
	}
	if info.Type == "" {
		info.Type = muse.StreamType
	}
	if info.ChannelUnit == "" {
		info.ChannelUnit = muse.ChannelUnit
	}
	if info.Manufacturer == "" {
		info.Manufacturer = muse.Manufacturer
	}
	if info.Format == "" {
		info.Format = FormatFloat32
	}
	if len(channelNames) > 0 {
		info.ChannelNames = append([]string(nil), channelNames...)
	}
	if nominalRate > 0 {
		info.NominalRate = nominalRate
	}
	return info
}

// run owns the sink stream of one device. The stream is opened lazily on the first batch.
func (p *Publisher) run(ds *deviceStream) {
	defer close(ds.done)

	log := p.logger.WithFields(logrus.Fields{
		"device": ds.deviceID,
		"stream": ds.info.Name,
	})

	var stream Stream
	defer func() {
		if stream == nil {
			return
		}
		if err := stream.Close(); err != nil {
			log.WithField("error", err).Warn("Failed to close sink stream")
		}
		log.Info("Sink stream closed")
	}()

	for {
		select {
		case <-ds.stop:
			return
		case frames, ok := <-ds.queue.C():
			if !ok {
				return
			}
			if stream == nil {
				s, err := p.sink.OpenStream(ds.info)
				if err != nil {
					log.WithField("error", err).Error("Failed to open sink stream")
					p.metrics.FramesDroppedAdd(ds.deviceID, metrics.DropOpenError, len(frames))
					continue
				}
				stream = s
				log.WithField("channels", ds.info.ChannelNames).Info("Sink stream opened")
			}
			p.push(log, ds, stream, frames)
		}
	}
}

// push stops at the next frame once the stream is torn down.
func (p *Publisher) push(log *logrus.Entry, ds *deviceStream, stream Stream, frames []reassembly.SampleFrame) {
	deviceID := ds.deviceID
	pushed := 0
	for _, f := range frames {
		select {
		case <-ds.stop:
			p.metrics.FramesPublishedAdd(deviceID, pushed)
			return
		default:
		}
		if err := stream.Push(f); err != nil {
			log.WithField("error", err).Debug("Sink rejected frame")
			p.metrics.FramesDroppedAdd(deviceID, metrics.DropSinkError, 1)
			continue
		}
		pushed++
	}
	p.metrics.FramesPublishedAdd(deviceID, pushed)
}

// Close tears down the stream of a device. Queued batches are discarded and
// further batches for the device are rejected until SetMetadata is called again.
// Close waits for the stream worker until ctx is done; a worker stuck in a sink
// Push is then abandoned and closes its stream once Push returns.
func (p *Publisher) Close(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	ds, ok := p.streams.Get(deviceID)
	if ok {
		p.streams.Del(deviceID)
	}
	p.retired[deviceID] = struct{}{}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	close(ds.stop)
	ds.queue.Close()

	select {
	case <-ds.done:
		return nil
	case <-ctx.Done():
		p.logger.WithFields(logrus.Fields{
			"device": deviceID,
			"stream": ds.info.Name,
		}).Warn("Sink stream did not close in time, abandoning it")
		return fmt.Errorf("close stream %s: %w", ds.info.Name, ctx.Err())
	}
}

// CloseAll tears down every stream and rejects further publishing.
func (p *Publisher) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var ids []string
	p.streams.Range(func(id string, _ *deviceStream) bool {
		ids = append(ids, id)
		return true
	})
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := p.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Streaming reports whether a stream is open or pending for the device
func (p *Publisher) Streaming(deviceID string) bool {
	_, ok := p.streams.Get(deviceID)
	return ok
}

package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/metrics"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/testutils"
	"github.com/srg/musebridge/reassembly"
	"github.com/srg/musebridge/registry"
	"github.com/srg/musebridge/sink"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const museAddr = "AA:BB:CC:DD:EE:FF"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stallingSink holds every Push until Release is called.
type stallingSink struct {
	sink.Memory
	release chan struct{}
	once    sync.Once
	pushing atomic.Int32
}

func (b *stallingSink) OpenStream(info sink.StreamInfo) (sink.Stream, error) {
	st, err := b.Memory.OpenStream(info)
	if err != nil {
		return nil, err
	}
	return &stallingStream{Stream: st, sink: b}, nil
}

func (b *stallingSink) Release() {
	b.once.Do(func() { close(b.release) })
}

type stallingStream struct {
	sink.Stream
	sink *stallingSink
}

func (b *stallingStream) Push(f reassembly.SampleFrame) error {
	b.sink.pushing.Add(1)
	<-b.sink.release
	return b.Stream.Push(f)
}

type ManagerTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.MockTransport
	reg       *registry.Registry
	mem       *sink.Memory
	publisher *sink.Publisher
	metrics   *metrics.Metrics
	clock     *fakeClock
	mgr       *Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = &testutils.MockTransport{}
	s.reg = registry.New(s.helper.Logger)
	s.mem = &sink.Memory{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.publisher = sink.NewPublisher(s.mem, 16, s.metrics, s.helper.Logger)
	s.clock = &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	mgr, err := NewManager(Options{
		Transport:       s.transport,
		Registry:        s.reg,
		Publisher:       s.publisher,
		Metrics:         s.metrics,
		Logger:          s.helper.Logger,
		CommandTimeout:  time.Second,
		TeardownTimeout: time.Second,
		FlushInterval:   5 * time.Millisecond,
	})
	s.Require().NoError(err)
	mgr.now = s.clock.Now
	s.mgr = mgr
}

func (s *ManagerTestSuite) TearDownTest() {
	s.NoError(s.mgr.StopAll(context.Background()))
	s.NoError(s.publisher.CloseAll(context.Background()))
	s.reg.Close()
}

// expectConnect registers a Muse peripheral at addr and returns its connection.
func (s *ManagerTestSuite) expectConnect(addr string, b *testutils.PeripheralBuilder) *testutils.MockConnection {
	if b == nil {
		b = testutils.CreateMusePeripheral(addr)
	}
	conn := b.Build()
	s.transport.On("Connect", mock.Anything, addr, mock.Anything).Return(conn, nil).Once()
	return conn
}

func (s *ManagerTestSuite) notifyAll(conn *testutils.MockConnection, seq uint16, channels []string) {
	for i, ch := range channels {
		s.Require().True(conn.Notify(ch, testutils.MusePayload(seq, uint16(2048+i))), "channel %s MUST be subscribed", ch)
	}
}

func (s *ManagerTestSuite) streamFrames(name string, n int) *sink.MemoryStream {
	s.helper.Eventually(func() bool {
		st, ok := s.mem.Stream(name)
		return ok && len(st.Frames()) >= n
	}, 2*time.Second, "stream %s MUST receive %d frames", name, n)
	st, _ := s.mem.Stream(name)
	return st
}

func (s *ManagerTestSuite) TestEndToEndStreamingAndPowerOff() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)

	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	rec, _ := s.reg.Get(museAddr)
	s.True(rec.Streaming)
	s.Equal("MuseXYZ", rec.StreamName)
	s.Equal(1, rec.Port)
	s.True(s.mgr.IsStreaming(museAddr))
	s.Equal([]string{museAddr}, s.mgr.Active())
	conn.AssertCalled(s.T(), "Write", muse.ServiceUUID, muse.ControlUUID, muse.StartCommand, false)
	s.Equal(5, conn.Subscribed())

	s.notifyAll(conn, 42, muse.ChannelUUIDs())

	st := s.streamFrames("MuseXYZ", muse.BatchSize)
	frames := st.Frames()
	s.Len(frames, muse.BatchSize)
	s.Equal(s.clock.Now(), frames[muse.BatchSize-1].Timestamp, "last frame MUST carry the arrival time")
	for i := 1; i < len(frames); i++ {
		s.Equal(muse.SampleInterval, frames[i].Timestamp.Sub(frames[i-1].Timestamp))
		s.EqualValues(42, frames[i].Sequence)
	}
	s.InDelta(0.48828125*4, frames[0].Values[4], 1e-4)
	s.Equal("MuseAA:BB:CC:DD:EE:FF", st.Info.SourceID)
	s.NotEmpty(st.Info.SessionID)

	s.helper.Eventually(func() bool {
		stats, ok := s.mgr.Stats(museAddr)
		return ok && stats.Complete == 1
	}, time.Second)

	// headband powered off
	conn.DropLink()

	s.helper.Eventually(func() bool { return !s.mgr.IsStreaming(museAddr) }, 2*time.Second)
	rec, _ = s.reg.Get(museAddr)
	s.Equal(registry.Offline, rec.Status)
	s.False(rec.Streaming)
	s.True(st.Closed(), "sink stream MUST be closed")
	conn.AssertCalled(s.T(), "Close")
	conn.AssertNotCalled(s.T(), "Write", muse.ServiceUUID, muse.ControlUUID, muse.StopCommand, false)
	s.Equal(0.0, testutil.ToFloat64(s.metrics.ActiveSessions))

	err := s.mgr.Start(context.Background(), museAddr)
	s.ErrorIs(err, ErrDeviceUnavailable, "offline device MUST NOT start")
}

func (s *ManagerTestSuite) TestAlreadyStreamingHasNoSideEffects() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))
	before, _ := s.reg.Get(museAddr)

	err := s.mgr.Start(context.Background(), museAddr)
	s.ErrorIs(err, ErrAlreadyStreaming)

	after, _ := s.reg.Get(museAddr)
	s.Equal(before, after)
	s.transport.AssertNumberOfCalls(s.T(), "Connect", 1)
}

func (s *ManagerTestSuite) TestStartRejectsUnknownAndOffline() {
	s.ErrorIs(s.mgr.Start(context.Background(), "unknown"), ErrDeviceUnavailable)

	s.reg.Upsert(museAddr, "MuseXYZ", registry.Offline)
	s.ErrorIs(s.mgr.Start(context.Background(), museAddr), ErrDeviceUnavailable)

	s.transport.AssertNotCalled(s.T(), "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ManagerTestSuite) TestConnectFailure() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	s.transport.On("Connect", mock.Anything, museAddr, mock.Anything).Return(nil, device.ErrTimeout).Once()

	err := s.mgr.Start(context.Background(), museAddr)
	s.ErrorIs(err, ErrDeviceUnavailable)
	s.ErrorIs(err, device.ErrTimeout)

	rec, _ := s.reg.Get(museAddr)
	s.False(rec.Streaming)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.SessionStarts.WithLabelValues("unavailable")))
}

func (s *ManagerTestSuite) TestServiceNotFound() {
	tests := []struct {
		name    string
		missing string
	}{
		{"missing EEG service", muse.ServiceUUID},
		{"missing control characteristic", muse.ControlUUID},
		{"missing data channel", muse.ChannelRightAux},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
			conn := s.expectConnect(museAddr, testutils.CreateMusePeripheral(museAddr).WithoutCharacteristic(tt.missing))

			err := s.mgr.Start(context.Background(), museAddr)
			s.ErrorIs(err, ErrServiceNotFound)
			var nf *device.NotFoundError
			s.ErrorAs(err, &nf)

			conn.AssertCalled(s.T(), "Close")
			conn.AssertNotCalled(s.T(), "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			s.False(s.mgr.IsStreaming(museAddr))
		})
	}
}

func (s *ManagerTestSuite) TestStartCommandFailure() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, testutils.CreateMusePeripheral(museAddr).WithWriteError(errors.New("write failed")))

	err := s.mgr.Start(context.Background(), museAddr)
	s.ErrorIs(err, ErrDeviceUnavailable)
	conn.AssertCalled(s.T(), "Close")
	s.Zero(conn.Subscribed())
}

func (s *ManagerTestSuite) TestSubscribeFailureReleasesConnection() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, testutils.CreateMusePeripheral(museAddr).WithSubscribeError(muse.ChannelAF8, errors.New("cccd write failed")))

	err := s.mgr.Start(context.Background(), museAddr)
	s.ErrorIs(err, ErrDeviceUnavailable)
	conn.AssertCalled(s.T(), "Close")
	s.Zero(conn.Subscribed(), "every subscription MUST be released")
	rec, _ := s.reg.Get(museAddr)
	s.False(rec.Streaming)
	s.False(s.mgr.IsStreaming(museAddr))
}

func (s *ManagerTestSuite) TestStopUnknownMakesNoTransportCalls() {
	err := s.mgr.Stop(context.Background(), museAddr)
	s.ErrorIs(err, ErrNotStreaming)
	s.Empty(s.transport.Calls)
}

func (s *ManagerTestSuite) TestStopAndRestart() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	s.Require().NoError(s.mgr.Stop(context.Background(), museAddr))

	conn.AssertCalled(s.T(), "Write", muse.ServiceUUID, muse.ControlUUID, muse.StopCommand, false)
	conn.AssertNumberOfCalls(s.T(), "Unsubscribe", 5)
	conn.AssertCalled(s.T(), "Close")
	rec, _ := s.reg.Get(museAddr)
	s.False(rec.Streaming)
	s.Equal(registry.Online, rec.Status, "stop MUST NOT mark the device offline")
	s.False(s.notifyAfterStop(conn), "notifications after stop MUST be ignored")

	s.ErrorIs(s.mgr.Stop(context.Background(), museAddr), ErrNotStreaming)

	late := []reassembly.SampleFrame{{Timestamp: s.clock.Now(), Sequence: 9, Values: make([]float32, 5)}}
	s.ErrorIs(s.publisher.Publish(museAddr, muse.ChannelLabels(), muse.NominalRate, late), sink.ErrSinkUnavailable,
		"a stopped session MUST NOT reopen its stream")
	s.Empty(s.mem.Streams())

	conn2 := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))
	s.notifyAll(conn2, 1, muse.ChannelUUIDs())
	s.streamFrames("MuseXYZ", muse.BatchSize)
	rec, _ = s.reg.Get(museAddr)
	s.Equal(2, rec.Port)
}

func (s *ManagerTestSuite) notifyAfterStop(conn *testutils.MockConnection) bool {
	return conn.Notify(muse.ChannelTP9, testutils.MusePayload(1, 2048))
}

func (s *ManagerTestSuite) TestMissingChannelFlushedAsNoData() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	channels := muse.ChannelUUIDs()
	s.notifyAll(conn, 10, channels[:4])
	s.clock.Advance(muse.BatchSize * muse.SampleInterval)
	s.notifyAll(conn, 11, channels)

	st := s.streamFrames("MuseXYZ", muse.BatchSize)
	s.EqualValues(11, st.Frames()[0].Sequence, "sequence N+1 MUST NOT wait for incomplete N")

	s.clock.Advance(s.mgr.opts.StaleAfter)
	st = s.streamFrames("MuseXYZ", 2*muse.BatchSize)
	stale := st.Frames()[muse.BatchSize:]
	for _, f := range stale {
		s.EqualValues(10, f.Sequence)
		s.True(math.IsNaN(float64(f.Values[4])))
	}
	s.helper.Eventually(func() bool {
		stats, _ := s.mgr.Stats(museAddr)
		return stats.Stale == 1
	}, time.Second)
}

func (s *ManagerTestSuite) TestDecodeErrorsAreCounted() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	conn.Notify(muse.ChannelTP9, []byte{0x01, 0x02})

	s.helper.Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.DecodeErrors.WithLabelValues(museAddr)) == 1
	}, time.Second)
	s.True(s.mgr.IsStreaming(museAddr), "decode errors MUST NOT end the session")
}

func (s *ManagerTestSuite) TestHandleConnectionStatus() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	s.mgr.HandleConnectionStatus(museAddr, false)
	s.False(s.mgr.IsStreaming(museAddr))
	rec, _ := s.reg.Get(museAddr)
	s.Equal(registry.Offline, rec.Status)
	s.False(rec.Streaming)
	conn.AssertNotCalled(s.T(), "Write", muse.ServiceUUID, muse.ControlUUID, muse.StopCommand, false)

	// link-loss after teardown MUST be ignored
	conn.DropLink()

	s.mgr.HandleConnectionStatus(museAddr, true)
	rec, _ = s.reg.Get(museAddr)
	s.Equal(registry.Online, rec.Status)
}

func (s *ManagerTestSuite) TestLinkLossOfEndedSessionIsIgnored() {
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))
	old, ok := s.mgr.sessions.Load(museAddr)
	s.Require().True(ok)
	s.Require().NoError(s.mgr.Stop(context.Background(), museAddr))

	s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	s.mgr.connectionStatus(museAddr, false, old)
	s.True(s.mgr.IsStreaming(museAddr), "link loss of an ended session MUST NOT stop the new one")
	rec, _ := s.reg.Get(museAddr)
	s.Equal(registry.Online, rec.Status)
}

func (s *ManagerTestSuite) TestStopDoesNotWaitForStalledSink() {
	stalled := &stallingSink{release: make(chan struct{})}
	defer stalled.Release()

	s.publisher = sink.NewPublisher(stalled, 16, s.metrics, s.helper.Logger)
	mgr, err := NewManager(Options{
		Transport:       s.transport,
		Registry:        s.reg,
		Publisher:       s.publisher,
		Metrics:         s.metrics,
		Logger:          s.helper.Logger,
		CommandTimeout:  time.Second,
		TeardownTimeout: 200 * time.Millisecond,
		FlushInterval:   5 * time.Millisecond,
	})
	s.Require().NoError(err)
	mgr.now = s.clock.Now
	s.mgr = mgr

	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	conn := s.expectConnect(museAddr, nil)
	s.Require().NoError(s.mgr.Start(context.Background(), museAddr))

	s.notifyAll(conn, 1, muse.ChannelUUIDs())
	s.helper.Eventually(func() bool { return stalled.pushing.Load() > 0 }, time.Second)

	stopped := make(chan error, 1)
	go func() { stopped <- s.mgr.Stop(context.Background(), museAddr) }()

	select {
	case err := <-stopped:
		s.NoError(err)
	case <-time.After(s.mgr.opts.TeardownTimeout + time.Second):
		s.FailNow("Stop MUST NOT wait for a stalled sink")
	}
	s.False(s.mgr.IsStreaming(museAddr))
	rec, _ := s.reg.Get(museAddr)
	s.False(rec.Streaming)

	st, ok := stalled.Stream("MuseXYZ")
	s.Require().True(ok)
	s.False(st.Closed())

	stalled.Release()
	s.helper.Eventually(st.Closed, time.Second, "abandoned stream MUST close once the sink returns")
}

func (s *ManagerTestSuite) TestIndependentDevices() {
	const other = "11:22:33:44:55:66"
	s.reg.Upsert(museAddr, "MuseXYZ", registry.Online)
	s.reg.Upsert(other, "Muse-2", registry.Online)
	c1 := s.expectConnect(museAddr, nil)
	c2 := s.expectConnect(other, nil)

	var wg sync.WaitGroup
	for _, id := range []string{museAddr, other} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.NoError(s.mgr.Start(context.Background(), id))
		}(id)
	}
	wg.Wait()
	s.Equal([]string{other, museAddr}, s.mgr.Active())

	s.notifyAll(c1, 1, muse.ChannelUUIDs())
	s.notifyAll(c2, 2, muse.ChannelUUIDs())
	s.streamFrames("MuseXYZ", muse.BatchSize)
	s.streamFrames("Muse-2", muse.BatchSize)

	s.NoError(s.mgr.StopAll(context.Background()))
	s.Empty(s.mgr.Active())
	s.Equal(0.0, testutil.ToFloat64(s.metrics.ActiveSessions))
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/testutils"
	"github.com/srg/musebridge/registry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type WatcherTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.MockTransport
	scanner   *testutils.FakeScanner
	reg       *registry.Registry
}

func (s *WatcherTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = &testutils.MockTransport{}
	s.reg = registry.New(s.helper.Logger)
}

func (s *WatcherTestSuite) TearDownTest() {
	s.reg.Close()
}

func (s *WatcherTestSuite) withScanner(advs ...device.Advertisement) *testutils.FakeScanner {
	s.scanner = testutils.NewFakeScanner(advs...)
	s.transport.On("NewScanner").Return(s.scanner, nil)
	return s.scanner
}

func (s *WatcherTestSuite) newWatcher(opts Options) *Watcher {
	opts.Transport = s.transport
	opts.Registry = s.reg
	opts.Logger = s.helper.Logger
	opts.StartupGrace = 200 * time.Millisecond
	w, err := NewWatcher(opts)
	s.Require().NoError(err)
	return w
}

func (s *WatcherTestSuite) TestDiscoversMatchingDevices() {
	sc := s.withScanner(
		testutils.CreateMockAdvertisement("MuseXYZ", "AA:BB:CC:DD:EE:FF", -60).Build(),
		testutils.CreateMockAdvertisement("", "11:22:33:44:55:66", -70).WithServices("fe8d").Build(),
		testutils.CreateMockAdvertisement("Polar H10", "22:33:44:55:66:77", -50).WithServices("180d").Build(),
	)
	w := s.newWatcher(Options{})

	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()
	<-sc.Running()

	s.Equal(Running, w.State())
	s.Equal(2, s.reg.Len(), "only Muse devices MUST be registered")

	rec, ok := s.reg.Get("AA:BB:CC:DD:EE:FF")
	s.Require().True(ok)
	s.Equal("MuseXYZ", rec.Name)
	s.Equal(registry.Online, rec.Status)
	s.False(rec.Streaming)

	_, ok = s.reg.Get("22:33:44:55:66:77")
	s.False(ok)
}

func (s *WatcherTestSuite) TestEmptyNameKeepsKnownName() {
	sc := s.withScanner(testutils.CreateMockAdvertisement("MuseXYZ", "AA:BB:CC:DD:EE:FF", -60).Build())
	w := s.newWatcher(Options{})
	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()
	<-sc.Running()

	s.True(sc.Emit(testutils.CreateMockAdvertisement("", "AA:BB:CC:DD:EE:FF", -61).Build()),
		"advertisement without name MUST still be processed for a known device")

	rec, _ := s.reg.Get("AA:BB:CC:DD:EE:FF")
	s.Equal("MuseXYZ", rec.Name)
}

func (s *WatcherTestSuite) TestFilterLists() {
	s.Run("block list wins", func() {
		f := Filter{NamePrefixes: []string{"Muse"}, BlockList: []string{"aa:bb:cc:dd:ee:ff"}}
		s.False(f.match(testutils.CreateMockAdvertisement("Muse", "AA:BB:CC:DD:EE:FF", 0).Build()))
	})
	s.Run("allow list restricts", func() {
		f := Filter{NamePrefixes: []string{"Muse"}, AllowList: []string{"11:11:11:11:11:11"}}
		s.False(f.match(testutils.CreateMockAdvertisement("Muse", "AA:BB:CC:DD:EE:FF", 0).Build()))
		s.True(f.match(testutils.CreateMockAdvertisement("Muse", "11:11:11:11:11:11", 0).Build()))
	})
	s.Run("service match by any UUID form", func() {
		f := DefaultFilter()
		adv := testutils.CreateMockAdvertisement("", "x", 0).WithServices("0000FE8D-0000-1000-8000-00805F9B34FB").Build()
		s.True(f.match(adv))
	})
	s.Run("empty filter matches everything", func() {
		s.True(Filter{}.match(testutils.CreateMockAdvertisement("", "x", 0).Build()))
	})
}

func (s *WatcherTestSuite) TestOnDiscoveredHook() {
	sc := s.withScanner(testutils.CreateMockAdvertisement("MuseXYZ", "AA:BB:CC:DD:EE:FF", -60).Build())

	var mu sync.Mutex
	var events []bool
	w := s.newWatcher(Options{OnDiscovered: func(rec registry.DeviceRecord, isNew bool) {
		mu.Lock()
		events = append(events, isNew)
		mu.Unlock()
	}})
	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()
	<-sc.Running()
	sc.Emit(testutils.CreateMockAdvertisement("MuseXYZ", "AA:BB:CC:DD:EE:FF", -60).Build())

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]bool{true, false}, events)
}

func (s *WatcherTestSuite) TestAdapterUnavailable() {
	s.Run("scanner cannot be created", func() {
		s.transport.On("NewScanner").Return(nil, device.ErrBluetoothOff).Once()
		w := s.newWatcher(Options{})

		err := w.Start(context.Background())
		s.ErrorIs(err, ErrAdapter)
		s.ErrorIs(err, device.ErrBluetoothOff)
		s.Equal(Stopped, w.State())
	})

	s.Run("scan fails immediately", func() {
		sc := testutils.NewFakeScanner().WithError(errors.New("hci0: no such device"))
		s.transport.On("NewScanner").Return(sc, nil).Once()
		w := s.newWatcher(Options{})

		err := w.Start(context.Background())
		s.ErrorIs(err, ErrAdapter)
		s.Equal(Stopped, w.State())
		s.Equal(1, sc.Scans(), "adapter failure MUST NOT be retried")
	})
}

func (s *WatcherTestSuite) TestStopAndRestart() {
	sc := s.withScanner()
	w := s.newWatcher(Options{})

	s.NoError(w.Stop(), "stopping a stopped watcher is a no-op")

	s.Require().NoError(w.Start(context.Background()))
	s.Error(w.Start(context.Background()), "double start MUST fail")
	<-sc.Running()

	s.NoError(w.Stop())
	s.Equal(Stopped, w.State())
	s.NoError(w.Err())
	select {
	case <-w.Done():
	default:
		s.Fail("Done MUST be closed after Stop")
	}

	s.ErrorIs(w.ForceRescan(context.Background()), ErrNotRunning)
}

func (s *WatcherTestSuite) TestForceRescan() {
	sc := s.withScanner(testutils.CreateMockAdvertisement("Muse-1", "AA:AA:AA:AA:AA:AA", -60).Build())
	w := s.newWatcher(Options{})
	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()
	<-sc.Running()

	s.reg.Upsert("BB:BB:BB:BB:BB:BB", "Muse-live", registry.Online)
	s.reg.SetStreaming("BB:BB:BB:BB:BB:BB", true)
	s.reg.Upsert("CC:CC:CC:CC:CC:CC", "Muse-gone", registry.Online)

	s.Require().NoError(w.ForceRescan(context.Background()))
	<-sc.Running()

	s.helper.Eventually(func() bool { return w.State() == Running }, time.Second)
	s.Equal(2, sc.Scans(), "scan MUST restart exactly once")

	_, ok := s.reg.Get("CC:CC:CC:CC:CC:CC")
	s.False(ok, "idle devices MUST be forgotten")
	_, ok = s.reg.Get("BB:BB:BB:BB:BB:BB")
	s.True(ok, "streaming devices MUST be kept")
	_, ok = s.reg.Get("AA:AA:AA:AA:AA:AA")
	s.True(ok, "advertising devices MUST be rediscovered")
}

// blockSecondScanner lets the first scan start normally and holds the scanner
// creation of the refresh until release is closed.
func (s *WatcherTestSuite) blockSecondScanner() (sc *testutils.FakeScanner, entered, release chan struct{}) {
	sc = testutils.NewFakeScanner()
	entered = make(chan struct{})
	release = make(chan struct{})
	s.transport.On("NewScanner").Return(sc, nil).Once()
	s.transport.On("NewScanner").Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(sc, nil).Once()
	return sc, entered, release
}

func (s *WatcherTestSuite) TestRefreshIsNotReportedAsRunning() {
	sc, entered, release := s.blockSecondScanner()
	w := s.newWatcher(Options{})
	s.Require().NoError(w.Start(context.Background()))
	defer w.Stop()
	<-sc.Running()

	s.Require().NoError(w.ForceRescan(context.Background()))
	s.NotEqual(Running, w.State(), "a refresh MUST NOT report running")
	s.ErrorIs(w.ForceRescan(context.Background()), ErrNotRunning)

	<-entered
	s.NotEqual(Running, w.State())
	close(release)

	s.helper.Eventually(func() bool { return w.State() == Running }, time.Second)
}

func (s *WatcherTestSuite) TestStopDuringRefreshWins() {
	sc, entered, release := s.blockSecondScanner()
	w := s.newWatcher(Options{})
	s.Require().NoError(w.Start(context.Background()))
	<-sc.Running()

	s.Require().NoError(w.ForceRescan(context.Background()))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()

	s.helper.Eventually(func() bool { return w.State() == Stopping }, time.Second)
	close(release)

	select {
	case err := <-stopped:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("Stop MUST return once the refresh is abandoned")
	}

	s.Equal(Stopped, w.State())
	select {
	case <-w.Done():
	default:
		s.Fail("Done MUST be closed after Stop")
	}

	time.Sleep(50 * time.Millisecond)
	s.Equal(Stopped, w.State(), "the refresh MUST NOT bring the scanner back")
	s.Equal(1, sc.Scans())
}

func TestWatcherTestSuite(t *testing.T) {
	suite.Run(t, new(WatcherTestSuite))
}

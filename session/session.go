package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/reassembly"
)

type notification struct {
	channel string
	payload []byte
	arrival time.Time
}

// session is the live streaming state of one device. Owned by the Manager,
// guarded by the per-device lock except for the fields noted below.
type session struct {
	id         string
	sessionID  uuid.UUID
	streamName string
	conn       device.Connection
	channels   []string
	started    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// written by BLE notification handlers, read by the worker
	queue mpmc.RichOverlappedRingBuffer[notification]
	wake  chan struct{}
	done  chan struct{} // closed when the worker exits

	statsMu sync.Mutex
	stats   reassembly.Stats
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) setStats(st reassembly.Stats) {
	s.statsMu.Lock()
	s.stats = st
	s.statsMu.Unlock()
}

func (s *session) getStats() reassembly.Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

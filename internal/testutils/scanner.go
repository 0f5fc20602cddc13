package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/musebridge/internal/device"
)

// FakeScanner replays preset advertisements and then blocks until its context ends.
// Further advertisements can be injected while a scan runs with Emit.
type FakeScanner struct {
	mu      sync.Mutex
	handler func(device.Advertisement)
	preset  []device.Advertisement
	err     error
	running chan struct{}

	scans atomic.Int32
}

func NewFakeScanner(advs ...device.Advertisement) *FakeScanner {
	return &FakeScanner{preset: advs, running: make(chan struct{}, 16)}
}

// WithError makes every Scan fail immediately with err.
func (s *FakeScanner) WithError(err error) *FakeScanner {
	s.err = err
	return s
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	s.scans.Add(1)
	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	s.handler = handler
	preset := s.preset
	s.mu.Unlock()

	for _, adv := range preset {
		handler(adv)
	}
	select {
	case s.running <- struct{}{}:
	default:
	}

	<-ctx.Done()

	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return ctx.Err()
}

// Emit delivers adv to the running scan. Returns false when no scan is running.
func (s *FakeScanner) Emit(adv device.Advertisement) bool {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

// Running receives once for each scan that finished replaying its preset advertisements.
func (s *FakeScanner) Running() <-chan struct{} {
	return s.running
}

// Scans returns how many times Scan was called.
func (s *FakeScanner) Scans() int {
	return int(s.scans.Load())
}

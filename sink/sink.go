// Package sink publishes reassembled sample frames to an external stream consumer.
package sink

import (
	"errors"
	"sync"

	"github.com/srg/musebridge/reassembly"
)

// ErrSinkUnavailable is reported when frames cannot be handed to the sink
var ErrSinkUnavailable = errors.New("sink unavailable")

// Format of the values carried by a stream
type Format string

const FormatFloat32 Format = "float32"

// StreamInfo describes one device stream to the consumer.
type StreamInfo struct {
	Name         string   `codec:"name"`
	SourceID     string   `codec:"source_id"`
	Type         string   `codec:"type"`
	ChannelNames []string `codec:"channel_names"`
	ChannelUnit  string   `codec:"channel_unit"`
	NominalRate  float64  `codec:"nominal_rate"`
	Format       Format   `codec:"format"`
	Manufacturer string   `codec:"manufacturer"`
	SessionID    string   `codec:"session_id"` // changes every time the device starts streaming
}

// Sink is the external stream consumer.
type Sink interface {
	OpenStream(info StreamInfo) (Stream, error)
}

// Stream receives the frames of one device.
type Stream interface {
	Push(frame reassembly.SampleFrame) error
	Close() error
}

// Discard is a Sink that accepts and drops every frame.
type Discard struct{}

func (Discard) OpenStream(StreamInfo) (Stream, error) {
	return discardStream{}, nil
}

type discardStream struct{}

func (discardStream) Push(reassembly.SampleFrame) error { return nil }
func (discardStream) Close() error                      { return nil }

// Memory is a Sink that keeps every frame in memory. Used to inspect output.
type Memory struct {
	mu      sync.Mutex
	streams []*MemoryStream
	OpenErr error
}

func (m *Memory) OpenStream(info StreamInfo) (Stream, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &MemoryStream{Info: info}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream opened so far, in open order.
func (m *Memory) Streams() []*MemoryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryStream(nil), m.streams...)
}

// Stream returns the most recent stream with the given name.
func (m *Memory) Stream(name string) (*MemoryStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.streams) - 1; i >= 0; i-- {
		if m.streams[i].Info.Name == name {
			return m.streams[i], true
		}
	}
	return nil, false
}

type MemoryStream struct {
	Info   StreamInfo
	mu     sync.Mutex
	frames []reassembly.SampleFrame
	closed bool
}

func (s *MemoryStream) Push(frame reassembly.SampleFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkUnavailable
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStream) Frames() []reassembly.SampleFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reassembly.SampleFrame(nil), s.frames...)
}

func (s *MemoryStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

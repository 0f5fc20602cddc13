// Package natssink publishes device streams over NATS core subjects.
//
// For a stream named N under prefix P the sink uses:
//
//	P.N.info   StreamInfo, published when the stream opens
//	P.N.data   one msgpack-encoded Frame per sample
//	P.N.close  empty message when the stream closes
package natssink

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/reassembly"
	"github.com/srg/musebridge/sink"
	"github.com/ugorji/go/codec"
)

const DefaultPrefix = "musebridge"

// Conn is the subset of *nats.Conn used by the sink.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Frame is the wire form of a sample frame
type Frame struct {
	Timestamp float64   `codec:"ts"` // seconds since the Unix epoch
	Sequence  uint16    `codec:"seq"`
	Values    []float32 `codec:"values"`
}

// Sink implements sink.Sink on a NATS connection.
type Sink struct {
	conn   Conn
	prefix string
	logger *logrus.Logger
	handle codec.MsgpackHandle
}

func New(conn Conn, prefix string, logger *logrus.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sink{conn: conn, prefix: prefix, logger: logger}
	s.handle.WriteExt = true
	return s
}

// Connect dials the NATS server at url with reconnects enabled.
func Connect(url, clientName string, logger *logrus.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logrus.New()
	}
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithField("error", err).Warn("NATS connection lost")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("NATS connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", sink.ErrSinkUnavailable, url, err)
	}
	return nc, nil
}

// Subject returns the subject for kind ("info", "data" or "close") of a stream.
func (s *Sink) Subject(streamName, kind string) string {
	return s.prefix + "." + subjectToken(streamName) + "." + kind
}

// subjectToken makes a stream name usable as a single subject token.
func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', ':':
			return '_'
		}
		return r
	}, name)
}

func (s *Sink) encode(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &s.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Sink) OpenStream(info sink.StreamInfo) (sink.Stream, error) {
	data, err := s.encode(info)
	if err != nil {
		return nil, fmt.Errorf("encode stream info: %w", err)
	}
	subject := s.Subject(info.Name, "info")
	if err := s.conn.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("%w: publish %s: %v", sink.ErrSinkUnavailable, subject, err)
	}

	s.logger.WithFields(logrus.Fields{
		"stream":  info.Name,
		"subject": s.Subject(info.Name, "data"),
	}).Info("NATS stream opened")

	return &stream{
		sink:  s,
		data:  s.Subject(info.Name, "data"),
		close: s.Subject(info.Name, "close"),
	}, nil
}

type stream struct {
	sink   *Sink
	data   string
	close  string
	mu     sync.Mutex
	closed bool
}

func (st *stream) Push(f reassembly.SampleFrame) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("%w: stream closed", sink.ErrSinkUnavailable)
	}

	data, err := st.sink.encode(Frame{
		Timestamp: float64(f.Timestamp.UnixNano()) / 1e9,
		Sequence:  f.Sequence,
		Values:    f.Values,
	})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := st.sink.conn.Publish(st.data, data); err != nil {
		return fmt.Errorf("%w: %v", sink.ErrSinkUnavailable, err)
	}
	return nil
}

func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	return st.sink.conn.Publish(st.close, nil)
}

// Decode parses a msgpack payload published by the sink into v.
func (s *Sink) Decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, &s.handle).Decode(v)
}

// Package reassembly merges per-channel EEG notifications into time-stamped
// multi-channel sample frames.
//
// Each notification carries one channel's samples for one packet sequence
// number. A batch is complete when every configured channel has delivered its
// notification for a sequence; a batch that stays incomplete longer than
// StaleAfter is flushed with the missing channels set to NoData.
package reassembly

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
)

// NoData marks a sample of a channel whose notification never arrived.
var NoData = float32(math.NaN())

var (
	ErrNotificationDecode = muse.ErrNotificationDecode
	ErrUnknownChannel     = errors.New("unknown channel")
)

// SampleFrame is one instant across all channels, in channel order.
type SampleFrame struct {
	Timestamp time.Time
	Sequence  uint16
	Values    []float32
}

// Batch is the set of frames emitted for one packet sequence.
type Batch struct {
	Sequence uint16
	Frames   []SampleFrame
	Missing  []string // channels filled with NoData, empty for complete batches
}

// Stale reports whether the batch was flushed before every channel arrived
func (b Batch) Stale() bool {
	return len(b.Missing) > 0
}

type Stats struct {
	Complete     uint64
	Stale        uint64
	DecodeErrors uint64
	Late         uint64 // notifications for a sequence that was already emitted
	Pending      int
}

type Config struct {
	Channels       []string // channel identifiers in output order
	BatchSize      int
	SampleInterval time.Duration
	StaleAfter     time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the Muse EEG layout.
func DefaultConfig() Config {
	return Config{
		Channels:       muse.ChannelUUIDs(),
		BatchSize:      muse.BatchSize,
		SampleInterval: muse.SampleInterval,
		StaleAfter:     DefaultStaleAfter,
		Now:            time.Now,
	}
}

// DefaultStaleAfter is three batch periods.
const DefaultStaleAfter = 3 * muse.BatchSize * muse.SampleInterval

// emittedWindow is how many recently emitted sequences are remembered to reject late notifications.
const emittedWindow = 64

type pending struct {
	sequence uint16
	order    uint64 // arrival order of the first notification
	started  time.Time
	anchor   time.Time // arrival of the most recent notification
	samples  [][]float32
	present  int
}

// Reassembler is not safe for concurrent use; one goroutine must own it.
type Reassembler struct {
	cfg     Config
	index   map[string]int
	pending map[uint16]*pending
	emit    func(Batch)
	next    uint64
	stats   Stats
	emitted emittedSet
}

// emittedSet remembers the last emittedWindow sequences that were emitted.
type emittedSet struct {
	ring [emittedWindow]uint16
	head int
	size int
	seen map[uint16]int
}

func (e *emittedSet) has(seq uint16) bool {
	return e.seen[seq] > 0
}

func (e *emittedSet) add(seq uint16) {
	if e.seen == nil {
		e.seen = make(map[uint16]int, emittedWindow)
	}
	if e.size == emittedWindow {
		old := e.ring[e.head]
		if e.seen[old]--; e.seen[old] == 0 {
			delete(e.seen, old)
		}
	} else {
		e.size++
	}
	e.ring[e.head] = seq
	e.head = (e.head + 1) % emittedWindow
	e.seen[seq]++
}

// New creates a reassembler delivering batches to emit.
func New(cfg Config, emit func(Batch)) (*Reassembler, error) {
	def := DefaultConfig()
	if len(cfg.Channels) == 0 {
		cfg.Channels = def.Channels
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}

	index := make(map[string]int, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		key := device.NormalizeUUID(ch)
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("duplicate channel %q", ch)
		}
		index[key] = i
	}

	return &Reassembler{
		cfg:     cfg,
		index:   index,
		pending: make(map[uint16]*pending),
		emit:    emit,
	}, nil
}

// Add decodes one notification and stores it. It emits the batch when the
// notification completes it, then flushes stale batches.
// Decode failures and unknown channels are counted and leave state unchanged.
// A notification for a recently emitted sequence is counted as late and dropped.
func (r *Reassembler) Add(channelID string, payload []byte, arrival time.Time) error {
	idx, ok := r.index[device.NormalizeUUID(channelID)]
	if !ok {
		r.stats.DecodeErrors++
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}

	pkt, err := muse.DecodeEEG(payload)
	if err != nil {
		r.stats.DecodeErrors++
		return err
	}
	if len(pkt.Samples) != r.cfg.BatchSize {
		r.stats.DecodeErrors++
		return fmt.Errorf("%w: %d samples, expected %d", ErrNotificationDecode, len(pkt.Samples), r.cfg.BatchSize)
	}

	p, ok := r.pending[pkt.Sequence]
	if !ok && r.emitted.has(pkt.Sequence) {
		r.stats.Late++
		r.Flush(arrival)
		return nil
	}
	if !ok {
		p = &pending{
			sequence: pkt.Sequence,
			order:    r.next,
			started:  arrival,
			samples:  make([][]float32, len(r.cfg.Channels)),
		}
		r.next++
		r.pending[pkt.Sequence] = p
	}
	if p.samples[idx] == nil {
		p.present++
	}
	values := make([]float32, r.cfg.BatchSize)
	copy(values, pkt.Samples[:])
	p.samples[idx] = values
	if arrival.After(p.anchor) {
		p.anchor = arrival
	}

	if p.present == len(r.cfg.Channels) {
		delete(r.pending, p.sequence)
		r.stats.Complete++
		r.emitted.add(p.sequence)
		r.emit(r.build(p))
	}

	r.Flush(arrival)
	return nil
}

// Flush emits every pending batch whose first notification is older than StaleAfter,
// oldest first. Missing channels are filled with NoData.
func (r *Reassembler) Flush(now time.Time) {
	var stale []*pending
	for _, p := range r.pending {
		if now.Sub(p.started) >= r.cfg.StaleAfter {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].order < stale[j].order })
	for _, p := range stale {
		delete(r.pending, p.sequence)
		r.stats.Stale++
		r.emitted.add(p.sequence)
		r.emit(r.build(p))
	}
}

func (r *Reassembler) build(p *pending) Batch {
	n := r.cfg.BatchSize
	b := Batch{Sequence: p.sequence, Frames: make([]SampleFrame, n)}

	for ch, samples := range p.samples {
		if samples == nil {
			b.Missing = append(b.Missing, r.cfg.Channels[ch])
		}
	}

	for i := 0; i < n; i++ {
		values := make([]float32, len(r.cfg.Channels))
		for ch, samples := range p.samples {
			if samples == nil {
				values[ch] = NoData
				continue
			}
			values[ch] = samples[i]
		}
		b.Frames[i] = SampleFrame{
			Timestamp: p.anchor.Add(-time.Duration(n-1-i) * r.cfg.SampleInterval),
			Sequence:  p.sequence,
			Values:    values,
		}
	}
	return b
}

// Close drops every pending batch without emitting it.
func (r *Reassembler) Close() {
	r.pending = make(map[uint16]*pending)
	r.emitted = emittedSet{}
}

func (r *Reassembler) Stats() Stats {
	s := r.stats
	s.Pending = len(r.pending)
	return s
}

// Channels returns the configured channel identifiers in output order.
func (r *Reassembler) Channels() []string {
	return append([]string(nil), r.cfg.Channels...)
}

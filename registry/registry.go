// Package registry keeps the set of known headbands and their streaming state.
package registry

import (
	"regexp"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Status is the connectivity state of a device
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// DeviceRecord is a snapshot of one known device.
type DeviceRecord struct {
	ID         string
	Name       string
	Status     Status
	Streaming  bool
	StreamName string
	Port       int
	Selected   bool
	FirstSeen  time.Time
	LastSeen   time.Time
}

var macPattern = regexp.MustCompile(`(?i)([0-9a-f]{2}:){5}[0-9a-f]{2}`)

// CanStream reports whether a session may be started for the device.
func (r DeviceRecord) CanStream() bool {
	return r.Status == Online
}

// MacAddress extracts the MAC address from the id. Ids that carry no MAC are returned as is.
func (r DeviceRecord) MacAddress() string {
	if m := macPattern.FindString(r.ID); m != "" {
		return m
	}
	return r.ID
}

// LongName is the display name with the MAC address appended
func (r DeviceRecord) LongName() string {
	return r.Name + " (" + r.MacAddress() + ")"
}

const changeTopic = "changed"

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records *orderedmap.OrderedMap[string, *DeviceRecord]
	version uint64
	closed  bool

	bus    *pubsub.PubSub[string, uint64]
	subs   map[<-chan uint64]chan uint64
	logger *logrus.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		records: orderedmap.New[string, *DeviceRecord](),
		bus:     pubsub.New[string, uint64](4),
		subs:    make(map[<-chan uint64]chan uint64),
		logger:  logger,
		now:     time.Now,
	}
}

// changed must be called with mu held for writing.
func (r *Registry) changed() {
	r.version++
	if !r.closed {
		r.bus.TryPub(r.version, changeTopic)
	}
}

// Upsert inserts a record or refreshes name, status and last-seen time of an existing one.
// Every other field of an existing record is preserved.
func (r *Registry) Upsert(id, name string, status Status) DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.records.Get(id)
	if !ok {
		rec = &DeviceRecord{
			ID:        id,
			Name:      name,
			Status:    status,
			FirstSeen: now,
			LastSeen:  now,
		}
		r.records.Set(id, rec)
		r.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": id,
			"status":  status,
		}).Info("Device added to registry")
		r.changed()
		return *rec
	}

	if name != "" {
		rec.Name = name
	}
	rec.LastSeen = now
	if rec.Status != status {
		r.setStatusLocked(rec, status)
	}
	r.changed()
	return *rec
}

func (r *Registry) setStatusLocked(rec *DeviceRecord, status Status) {
	rec.Status = status
	if status == Offline {
		rec.Streaming = false
	}
	r.logger.WithFields(logrus.Fields{
		"address": rec.ID,
		"status":  status,
	}).Debug("Device status changed")
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records.Get(id)
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records in first-seen order.
func (r *Registry) List() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceRecord, 0, r.records.Len())
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records.Len()
}

func (r *Registry) update(id string, fn func(rec *DeviceRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records.Get(id)
	if !ok {
		return false
	}
	fn(rec)
	r.changed()
	return true
}

// SetStreaming flags the device as streaming. A device that is offline never streams.
func (r *Registry) SetStreaming(id string, streaming bool) bool {
	return r.update(id, func(rec *DeviceRecord) {
		rec.Streaming = streaming && rec.Status == Online
	})
}

// SetStatus changes the connectivity state. Going offline clears the streaming flag.
func (r *Registry) SetStatus(id string, status Status) bool {
	return r.update(id, func(rec *DeviceRecord) {
		r.setStatusLocked(rec, status)
	})
}

// SetOutput records the stream identifier assigned to the device.
func (r *Registry) SetOutput(id, streamName string, port int) bool {
	return r.update(id, func(rec *DeviceRecord) {
		rec.StreamName = streamName
		rec.Port = port
	})
}

// Select marks id as the selected device and clears the selection on every other record.
func (r *Registry) Select(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records.Get(id); !ok {
		return false
	}
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Selected = pair.Key == id
	}
	r.changed()
	return true
}

// Reset forgets every device that is not streaming. Streaming records are kept
// because live sessions refer to them.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drop []string
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		if !pair.Value.Streaming {
			drop = append(drop, pair.Key)
		}
	}
	for _, id := range drop {
		r.records.Delete(id)
	}

	r.logger.WithFields(logrus.Fields{
		"removed": len(drop),
		"kept":    r.records.Len(),
	}).Debug("Registry reset")
	r.changed()
}

// Version increases on every mutation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Subscribe returns a channel receiving the registry version after each change.
// Notifications are coalesced when the subscriber falls behind.
func (r *Registry) Subscribe() <-chan uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		ch := make(chan uint64)
		close(ch)
		return ch
	}
	ch := r.bus.Sub(changeTopic)
	r.subs[ch] = ch
	return ch
}

// Unsubscribe releases a channel obtained from Subscribe.
func (r *Registry) Unsubscribe(ch <-chan uint64) {
	r.mu.Lock()
	sub, ok := r.subs[ch]
	delete(r.subs, ch)
	closed := r.closed
	r.mu.Unlock()

	if ok && !closed {
		go r.bus.Unsub(sub, changeTopic)
	}
}

// Close shuts the change notifications down and closes every subscriber channel.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.bus.Shutdown()
}

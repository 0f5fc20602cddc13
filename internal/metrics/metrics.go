// Package metrics exposes Prometheus collectors for the streaming pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "musebridge"

// Metrics groups every collector the pipeline updates.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionStarts   *prometheus.CounterVec // label: result
	Notifications   *prometheus.CounterVec // label: device
	DecodeErrors    *prometheus.CounterVec // label: device
	BatchesComplete *prometheus.CounterVec // label: device
	BatchesStale    *prometheus.CounterVec // label: device
	FramesPublished *prometheus.CounterVec // label: device
	FramesDropped   *prometheus.CounterVec // label: device, reason
	DevicesSeen     prometheus.Gauge
	TeardownLatency prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of devices currently streaming.",
		}),
		SessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Session start attempts by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "EEG notifications received from devices.",
		}, []string{"device"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Notifications that could not be decoded.",
		}, []string{"device"}),
		BatchesComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_complete_total",
			Help:      "Sample batches emitted with every channel present.",
		}, []string{"device"}),
		BatchesStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_stale_total",
			Help:      "Sample batches flushed with missing channels.",
		}, []string{"device"}),
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Sample frames pushed to the sink.",
		}, []string{"device"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Sample frames lost before reaching the sink.",
		}, []string{"device", "reason"}),
		DevicesSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_known",
			Help:      "Devices present in the registry.",
		}),
		TeardownLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_teardown_seconds",
			Help:      "Time taken to tear a session down.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.ActiveSessions, m.SessionStarts, m.Notifications, m.DecodeErrors,
		m.BatchesComplete, m.BatchesStale, m.FramesPublished, m.FramesDropped,
		m.DevicesSeen, m.TeardownLatency,
	)
	return m
}

func (m *Metrics) SessionStarted(result string) {
	if m == nil {
		return
	}
	m.SessionStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) NotificationReceived(device string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(device).Inc()
}

func (m *Metrics) DecodeError(device string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(device).Inc()
}

// BatchEmitted counts one emitted batch, stale when some channels were missing.
func (m *Metrics) BatchEmitted(device string, stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.BatchesStale.WithLabelValues(device).Inc()
		return
	}
	m.BatchesComplete.WithLabelValues(device).Inc()
}

func (m *Metrics) FramesPublishedAdd(device string, n int) {
	if m == nil {
		return
	}
	m.FramesPublished.WithLabelValues(device).Add(float64(n))
}

func (m *Metrics) FramesDroppedAdd(device, reason string, n int) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(device, reason).Add(float64(n))
}

func (m *Metrics) SetDevicesKnown(n int) {
	if m == nil {
		return
	}
	m.DevicesSeen.Set(float64(n))
}

func (m *Metrics) ObserveTeardown(seconds float64) {
	if m == nil {
		return
	}
	m.TeardownLatency.Observe(seconds)
}

// Drop reasons reported by FramesDroppedAdd.
const (
	DropQueueFull = "queue_full"
	DropSinkError = "sink_error"
	DropOpenError = "open_error"
	DropOverwrite = "notification_overwritten"
	DropClosed    = "stream_closed"
)

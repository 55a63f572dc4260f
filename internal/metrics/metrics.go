// Package metrics exposes pipeline and notification counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/classycam/internal/stream"
	"github.com/mikeyg42/classycam/internal/zone"
)

const namespace = "classycam"

// Metrics implements stream.Metrics and the notification hooks.
type Metrics struct {
	// Pipeline
	FramesProcessed atomic.Uint64
	ReadErrors      atomic.Uint64
	DetectErrors    atomic.Uint64
	Sessions        atomic.Uint64
	StreamActive    atomic.Uint64 // 0 = inactive, 1 = active
	Tracked         atomic.Int64
	LastFrameMs     atomic.Uint64

	// Notifications
	NotificationsSent    atomic.Uint64
	NotificationsFailed  atomic.Uint64
	NotificationsDropped atomic.Uint64

	// API
	FeedClients atomic.Int64
	WSClients   atomic.Int64

	events       *prometheus.CounterVec
	backends     *prometheus.CounterVec
	frameSeconds prometheus.Histogram

	registry *prometheus.Registry
}

var _ stream.Metrics = (*Metrics)(nil)

// New creates a Metrics instance on its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zone_events_total",
			Help:      "Zone events raised, by kind",
		}, []string{"kind"}),
		backends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_by_backend_total",
			Help:      "Stream sessions opened, by capture backend",
		}, []string{"backend"}),
		frameSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_seconds",
			Help:      "Time from detection to publish for one frame",
			Buckets:   []float64{.005, .01, .02, .033, .05, .1, .2, .5, 1},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.backends,
		m.frameSeconds,
	)
	m.registerGauges()
	return m
}

func (m *Metrics) registerGauges() {
	gauges := []struct {
		name, help string
		value      func() float64
	}{
		{"frames_processed_total", "Frames published to the frame cache", func() float64 { return float64(m.FramesProcessed.Load()) }},
		{"frame_read_errors_total", "Failed capture reads", func() float64 { return float64(m.ReadErrors.Load()) }},
		{"detect_errors_total", "Failed detector invocations", func() float64 { return float64(m.DetectErrors.Load()) }},
		{"stream_sessions_total", "Stream sessions opened", func() float64 { return float64(m.Sessions.Load()) }},
		{"stream_active", "Stream active (0=inactive, 1=active)", func() float64 { return float64(m.StreamActive.Load()) }},
		{"tracked_entities", "Entities tracked in the latest frame", func() float64 { return float64(m.Tracked.Load()) }},
		{"last_frame_latency_ms", "Processing time of the latest frame in milliseconds", func() float64 { return float64(m.LastFrameMs.Load()) }},
		{"notifications_sent_total", "Notifications delivered to a sink", func() float64 { return float64(m.NotificationsSent.Load()) }},
		{"notifications_failed_total", "Notifications that exhausted their retries", func() float64 { return float64(m.NotificationsFailed.Load()) }},
		{"notifications_dropped_total", "Events dropped because the dispatch queue was full", func() float64 { return float64(m.NotificationsDropped.Load()) }},
		{"feed_clients", "Connected MJPEG feed clients", func() float64 { return float64(m.FeedClients.Load()) }},
		{"websocket_clients", "Connected event websocket clients", func() float64 { return float64(m.WSClients.Load()) }},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: g.name, Help: g.help},
			g.value,
		))
	}
}

func (m *Metrics) SessionStarted(backend stream.Backend) {
	m.Sessions.Add(1)
	m.StreamActive.Store(1)
	m.backends.WithLabelValues(string(backend)).Inc()
}

func (m *Metrics) SessionStopped() { m.StreamActive.Store(0) }

func (m *Metrics) FrameProcessed(elapsed time.Duration) {
	m.FramesProcessed.Add(1)
	m.LastFrameMs.Store(uint64(elapsed.Milliseconds()))
	m.frameSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ReadFailed()   { m.ReadErrors.Add(1) }
func (m *Metrics) DetectFailed() { m.DetectErrors.Add(1) }

func (m *Metrics) EventRaised(kind zone.Kind) {
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) TrackedEntities(n int) { m.Tracked.Store(int64(n)) }

// Notification hooks, called by the dispatcher.
func (m *Metrics) NotificationSent()    { m.NotificationsSent.Add(1) }
func (m *Metrics) NotificationFailed()  { m.NotificationsFailed.Add(1) }
func (m *Metrics) NotificationDropped() { m.NotificationsDropped.Add(1) }

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	framesReceived   prometheus.Counter
	framesDropped    *prometheus.CounterVec
	recordsPersisted prometheus.Counter
	ingestLatency    prometheus.Histogram
	dispatches       *prometheus.CounterVec
	missed           prometheus.Counter
	sessions         prometheus.Gauge
	wsClients        prometheus.Gauge
	events           *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "MQTT frames received on device uplink topics.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "Frames dropped by the ingestion pipeline, by stage.",
		}, []string{"stage"}),
		recordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_records_persisted_total",
			Help: "Telemetry records written to the store.",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_ingest_latency_seconds",
			Help:    "Time from frame receipt to broadcast.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Dispatch attempts, by outcome.",
		}, []string{"status"}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_missed_messages_total",
			Help: "Expected periodic messages inferred as missed.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Device sessions currently tracked.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_clients",
			Help: "Connected live-update clients.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_broadcast_total",
			Help: "Events handed to the broadcaster, by event name.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.framesReceived, m.framesDropped, m.recordsPersisted, m.ingestLatency,
		m.dispatches, m.missed, m.sessions, m.wsClients, m.events,
	)
	return m
}

// Handler serves the metrics gathered from g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) FrameDropped(stage string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordsPersisted(n int) {
	if m == nil {
		return
	}
	m.recordsPersisted.Add(float64(n))
}

func (m *Metrics) ObserveIngest(since time.Time) {
	if m == nil {
		return
	}
	m.ingestLatency.Observe(time.Since(since).Seconds())
}

func (m *Metrics) Dispatch(status string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(status).Inc()
}

func (m *Metrics) Missed(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.missed.Add(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

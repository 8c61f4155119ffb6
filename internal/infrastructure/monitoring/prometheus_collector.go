package monitoring

import (
	"time"

	"streamcore/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	liveStreams prometheus.Gauge
	viewers     *prometheus.GaugeVec
	peakViewers *prometheus.GaugeVec

	streamsEnded    *prometheus.CounterVec
	chatMessages    prometheus.Counter
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	reconcileProbes *prometheus.CounterVec
	wsConnections   prometheus.Gauge

	providerLatency *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collectors on reg. Passing nil uses
// the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		liveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_streams_live",
			Help: "Number of streams in the Live state",
		}),

		viewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcore_stream_viewers",
			Help: "Current viewer sessions per stream",
		}, []string{"stream_id"}),

		peakViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcore_stream_peak_viewers",
			Help: "Peak viewer sessions per stream",
		}, []string{"stream_id"}),

		streamsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_streams_ended_total",
			Help: "Streams ended, by reason",
		}, []string{"reason"}),

		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcore_chat_messages_total",
			Help: "Chat messages accepted",
		}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_events_published_total",
			Help: "Events published to stream topics, by kind",
		}, []string{"kind"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_events_dropped_total",
			Help: "Events not delivered to a subscriber because its buffer was full",
		}, []string{"kind"}),

		reconcileProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcore_reconcile_probes_total",
			Help: "Provider activity probes made by the reconciler, by outcome",
		}, []string{"outcome"}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcore_websocket_connections",
			Help: "Open event websocket connections",
		}),

		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamcore_provider_request_duration_seconds",
			Help:    "Latency of ingest provider calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation", "result"}),
	}
}

func (p *PrometheusCollector) StreamWentLive(streamID domain.StreamID) {
	p.liveStreams.Inc()
}

func (p *PrometheusCollector) StreamEnded(streamID domain.StreamID, reason string) {
	p.liveStreams.Dec()
	p.streamsEnded.WithLabelValues(reason).Inc()

	p.viewers.DeleteLabelValues(string(streamID))
	p.peakViewers.DeleteLabelValues(string(streamID))
}

// SetLiveStreams resets the gauge from the store, used once at startup.
func (p *PrometheusCollector) SetLiveStreams(n int) {
	p.liveStreams.Set(float64(n))
}

func (p *PrometheusCollector) ViewerCount(streamID domain.StreamID, current, peak int) {
	p.viewers.WithLabelValues(string(streamID)).Set(float64(current))
	p.peakViewers.WithLabelValues(string(streamID)).Set(float64(peak))
}

func (p *PrometheusCollector) ChatMessageSent(streamID domain.StreamID) {
	p.chatMessages.Inc()
}

func (p *PrometheusCollector) ReconcileProbe(outcome string) {
	p.reconcileProbes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) EventPublished(kind domain.EventKind) {
	p.eventsPublished.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) EventDropped(kind domain.EventKind) {
	p.eventsDropped.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) WebSocketOpened() {
	p.wsConnections.Inc()
}

func (p *PrometheusCollector) WebSocketClosed() {
	p.wsConnections.Dec()
}

func (p *PrometheusCollector) ProviderCall(operation string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.providerLatency.WithLabelValues(operation, result).Observe(duration.Seconds())
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	SessionTransitions  *prometheus.CounterVec
	ActiveChannel       prometheus.Gauge
	FramesSent          prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	DetectionEvents     *prometheus.CounterVec
	TransportReconnects prometheus.Counter
	TransportErrors     *prometheus.CounterVec
	OpenChannelLatency  prometheus.Histogram
	IoTCommands         *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by source and target state.",
		}, []string{"from", "to"}),
		ActiveChannel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_audio_channel",
			Help:      "1 while an audio channel is owned by the session, else 0.",
		}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Encoded audio frames handed to the transport.",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped by reason (gate_closed, queue_full).",
		}, []string{"reason"}),
		DetectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_events_total",
			Help:      "Detector events by kind (wake, speech_start, speech_end, silence_timeout).",
		}, []string{"kind"}),
		TransportReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Reconnect attempts made by the connection supervisor.",
		}),
		TransportErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport errors by carrier and code.",
		}, []string{"carrier", "code"}),
		OpenChannelLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "open_channel_latency_ms",
			Help:      "Latency from open request to channel opened in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 2000, 5000},
		}),
		IoTCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iot_commands_total",
			Help:      "Dispatched device commands by thing and outcome.",
		}, []string{"thing", "outcome"}),
	}
}

func (m *Metrics) ObserveOpenChannelLatency(d time.Duration) {
	m.OpenChannelLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

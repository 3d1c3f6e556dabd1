package shared

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "realtime_voice"

// Metrics holds the Prometheus collectors of a voice session.
type Metrics struct {
	Attempts         prometheus.Counter
	PhaseTransitions *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	Connected        prometheus.Gauge
	NegotiationTime  prometheus.Histogram
	InboundFrames    *prometheus.CounterVec
	OutboundFrames   prometheus.Counter
	TranscriptsDone  prometheus.Counter
}

// NewMetrics registers all collectors on reg. A nil reg falls back to the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_attempts_total",
			Help:      "Total number of connection attempts started",
		}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_phase_transitions_total",
			Help:      "Total number of session phase transitions by target phase",
		}, []string{"phase"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_failures_total",
			Help:      "Total number of failed sessions by failure kind",
		}, []string{"kind"}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_connected",
			Help:      "Whether a session is currently connected",
		}),
		NegotiationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from credential request to transport connected",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		InboundFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_inbound_frames_total",
			Help:      "Total number of inbound control frames by outcome",
		}, []string{"outcome"}),
		OutboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_outbound_frames_total",
			Help:      "Total number of control frames delivered to the channel",
		}),
		TranscriptsDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcripts_done_total",
			Help:      "Total number of completed assistant transcripts",
		}),
	}
}

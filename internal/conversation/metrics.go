package conversation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/n0madic/go-responses/internal/types"
)

const metricsNamespace = "responses_client"

// Metrics collects per-operation counters. A nil *Metrics records nothing.
type Metrics struct {
	TurnsTotal   *prometheus.CounterVec
	ToolCalls    *prometheus.CounterVec
	StreamEvents *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
}

// NewMetrics registers the client metrics on reg. It returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "turns_total",
				Help:      "Total conversation turns by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tool_calls_total",
				Help:      "Total tool calls handed to local handlers",
			},
			[]string{"tool"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_events_total",
				Help:      "Total stream events received by kind",
			},
			[]string{"kind"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "turn_duration_seconds",
				Help:      "Turn duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) observeTurn(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
	m.TurnDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeToolCall(name string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(name).Inc()
}

func (m *Metrics) observeEvent(evt types.StreamEvent) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(string(evt.Kind)).Inc()
}

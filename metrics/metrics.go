// Package metrics exposes Prometheus collectors for chat turns.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.RegisterInFlight(func() float64 { return float64(registry.Len()) })
//	m.EventSent(ev.Type)
//	m.TurnFinished(metrics.OutcomeDone, time.Since(start))
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhubert/plural-web/protocol"
)

// Turn outcomes, matching the terminal stream event.
const (
	OutcomeDone            = "done"
	OutcomeError           = "error"
	OutcomeContextOverflow = "context_overflow"
	OutcomeAborted         = "aborted"
	OutcomeRejected        = "rejected"
)

type Metrics struct {
	reg prometheus.Registerer

	// Turns counts finished turns.
	// Labels: outcome (done|error|context_overflow|aborted|rejected)
	Turns *prometheus.CounterVec

	// TurnDuration measures turn wall time in seconds.
	// Labels: outcome
	TurnDuration *prometheus.HistogramVec

	// StreamEvents counts events written to response streams.
	// Labels: type
	StreamEvents *prometheus.CounterVec

	// Aborts counts abort requests.
	// Labels: found (true|false)
	Aborts *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: route, code
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plural_web_turns_total",
				Help: "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plural_web_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plural_web_stream_events_total",
				Help: "Total number of stream events written by type",
			},
			[]string{"type"},
		),

		Aborts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plural_web_abort_requests_total",
				Help: "Total number of abort requests by whether the request was in flight",
			},
			[]string{"found"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plural_web_http_requests_total",
				Help: "Total number of API requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// RegisterInFlight exposes fn as the in-flight request gauge.
func (m *Metrics) RegisterInFlight(fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "plural_web_inflight_requests",
			Help: "Current number of turns in flight",
		},
		fn,
	)
}

// TurnFinished records a turn's outcome and duration.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// EventSent records one stream event.
func (m *Metrics) EventSent(t protocol.EventType) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(string(t)).Inc()
}

// AbortRequested records an abort request.
func (m *Metrics) AbortRequested(found bool) {
	if m == nil {
		return
	}
	m.Aborts.WithLabelValues(strconv.FormatBool(found)).Inc()
}

// HTTPRequest records one API request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

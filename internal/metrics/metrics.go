// Package metrics holds the prometheus collectors for engine and session
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/keel/internal/errdefs"
)

const namespace = "keel"

// Operation labels.
const (
	OpGenerate = "generate"
	OpBatch    = "batch"
	OpForward  = "forward"
	OpLoad     = "load"
)

// Session outcome labels.
const (
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
	SessionFailed    = "failed"
	SessionKilled    = "killed"
)

type Metrics struct {
	Requests        *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	InFlight        prometheus.Gauge
	Duration        *prometheus.HistogramVec
	PromptTokens    prometheus.Counter
	GeneratedTokens prometheus.Counter
	EnginesReady    prometheus.Gauge
	SessionsActive  prometheus.Gauge
	Sessions        *prometheus.CounterVec
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched to the backend.",
		}, []string{"op"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Failed requests by error category.",
		}, []string{"op", "category"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently inside a backend call.",
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of backend calls.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens consumed.",
		}),
		GeneratedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Tokens generated.",
		}),
		EnginesReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines_ready",
			Help:      "Engines currently accepting requests.",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions started and not yet finished.",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome.",
		}, []string{"outcome"}),
	}
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns collectors registered once on prometheus.DefaultRegisterer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// Begin marks the start of a backend call for op. Call the returned func with
// the call's error when it finishes.
func (m *Metrics) Begin(op string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.Requests.WithLabelValues(op).Inc()
	m.InFlight.Inc()
	return func(err error) {
		m.InFlight.Dec()
		m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			m.Failures.WithLabelValues(op, errdefs.Category(err)).Inc()
		}
	}
}

// Reject counts a request refused before it reached the backend.
func (m *Metrics) Reject(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.Failures.WithLabelValues(op, errdefs.Category(err)).Inc()
}

func (m *Metrics) Tokens(prompt, generated int) {
	if m == nil {
		return
	}
	m.PromptTokens.Add(float64(max(prompt, 0)))
	m.GeneratedTokens.Add(float64(max(generated, 0)))
}

func (m *Metrics) EngineUp() {
	if m != nil {
		m.EnginesReady.Inc()
	}
}

func (m *Metrics) EngineDown() {
	if m != nil {
		m.EnginesReady.Dec()
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

// SessionFinished records a session leaving the active set.
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.Sessions.WithLabelValues(outcome).Inc()
}

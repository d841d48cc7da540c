package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	swapEngineOnce sync.Once
	swapEngineReg  *SwapEngineMetrics

	breakerOnce sync.Once
	breakerReg  *BreakerMetrics

	eventOnce sync.Once
	eventReg  *EventMetrics

	providerOnce sync.Once
	providerReg  *ProviderMetrics
)

// SwapEngineMetrics captures metrics for swap lifecycle operations.
type SwapEngineMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// SwapEngine returns the singleton metrics registry for the swap engine.
func SwapEngine() *SwapEngineMetrics {
	swapEngineOnce.Do(func() {
		swapEngineReg = &SwapEngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "swap",
				Name:      "operations_total",
				Help:      "Count of swap operations segmented by step and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "satsbridge",
				Subsystem: "swap",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for swap operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "swap",
				Name:      "errors_total",
				Help:      "Count of swap failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "swap",
				Name:      "transitions_total",
				Help:      "Count of applied swap state transitions by direction and edge.",
			}, []string{"direction", "from", "to"}),
		}
		prometheus.MustRegister(
			swapEngineReg.requests,
			swapEngineReg.latency,
			swapEngineReg.errors,
			swapEngineReg.transitions,
		)
	})
	return swapEngineReg
}

// Observe records the execution metrics for a swap operation. The reason label
// is the error prefix up to the first colon.
func (m *SwapEngineMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, reasonLabel(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTransition counts an applied state change.
func (m *SwapEngineMetrics) RecordTransition(direction, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToLower(direction), strings.ToLower(from), strings.ToLower(to)).Inc()
}

// BreakerMetrics tracks circuit breaker state per dependency.
type BreakerMetrics struct {
	state     *prometheus.GaugeVec
	rejected  *prometheus.CounterVec
	tripCount *prometheus.CounterVec
}

// Breakers returns the singleton circuit breaker metrics registry.
func Breakers() *BreakerMetrics {
	breakerOnce.Do(func() {
		breakerReg = &BreakerMetrics{
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "satsbridge",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Current breaker state per dependency (0 closed, 1 half-open, 2 open).",
			}, []string{"dependency"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "breaker",
				Name:      "rejected_total",
				Help:      "Calls short-circuited by an open breaker.",
			}, []string{"dependency"}),
			tripCount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "breaker",
				Name:      "trips_total",
				Help:      "Transitions into the open state per dependency.",
			}, []string{"dependency"}),
		}
		prometheus.MustRegister(breakerReg.state, breakerReg.rejected, breakerReg.tripCount)
	})
	return breakerReg
}

// SetState publishes the numeric breaker state.
func (m *BreakerMetrics) SetState(dependency string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(dependency).Set(float64(state))
}

// RecordRejected increments the short-circuit counter.
func (m *BreakerMetrics) RecordRejected(dependency string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(dependency).Inc()
}

// RecordTrip increments the trip counter.
func (m *BreakerMetrics) RecordTrip(dependency string) {
	if m == nil {
		return
	}
	m.tripCount.WithLabelValues(dependency).Inc()
}

// EventMetrics tracks domain event publication.
type EventMetrics struct {
	published *prometheus.CounterVec
}

// Events returns the metrics registry tracking published swap events.
func Events() *EventMetrics {
	eventOnce.Do(func() {
		eventReg = &EventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of published events segmented by topic and outcome.",
			}, []string{"topic", "outcome"}),
		}
		prometheus.MustRegister(eventReg.published)
	})
	return eventReg
}

// RecordPublish increments the publication counter.
func (m *EventMetrics) RecordPublish(topic string, err error) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.published.WithLabelValues(topic, outcome).Inc()
}

// ProviderMetrics records outbound calls to fiat and settlement providers.
type ProviderMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Providers returns the singleton provider call registry.
func Providers() *ProviderMetrics {
	providerOnce.Do(func() {
		providerReg = &ProviderMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satsbridge",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Outbound provider calls segmented by provider, method and outcome.",
			}, []string{"provider", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "satsbridge",
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for outbound provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "method"}),
		}
		prometheus.MustRegister(providerReg.calls, providerReg.latency)
	})
	return providerReg
}

// Observe records one outbound provider call.
func (m *ProviderMetrics) Observe(provider, method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(provider, method, outcome).Inc()
	m.latency.WithLabelValues(provider, method).Observe(duration.Seconds())
}

func reasonLabel(err error) string {
	reason := strings.TrimSpace(err.Error())
	if idx := strings.IndexAny(reason, ":\n"); idx > 0 {
		reason = reason[:idx]
	}
	if reason == "" {
		return "unknown"
	}
	if len(reason) > 64 {
		reason = reason[:64]
	}
	return reason
}

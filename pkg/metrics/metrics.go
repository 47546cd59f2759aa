package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "publisher"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	// Outcome label values for spec evaluation
	OutcomeEligible = "eligible"
	OutcomeSkipped  = "skipped"

	Delivery = "delivery"
	Jobs     = "jobs"
	Specs    = "specs"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple publisher instances.
type Labels struct {
	Service       string // Service embedding the publisher (e.g., "orders")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Spec evaluation
	specsEvaluated *prometheus.CounterVec // by event, outcome

	// Kill switch
	dispatchesSkipped prometheus.Counter

	// Sync delivery
	deliveries       *prometheus.CounterVec   // by topic, status
	deliveryRetries  *prometheus.CounterVec   // by topic
	deliveryDuration *prometheus.HistogramVec // by topic

	// Async handoff
	jobsEnqueued *prometheus.CounterVec // by processor, status

	// Job worker
	jobsPerformed *prometheus.CounterVec // by handler, status
	jobDuration   prometheus.Histogram
	jobsInFlight  prometheus.Gauge

	errors *prometheus.CounterVec // by type
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., service), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	// Wrap the registerer with constant labels if any are provided
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

// newMetrics is the internal constructor that creates and registers all metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		specsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Specs,
			Name:      "evaluated_total",
			Help:      "Total message specs evaluated by lifecycle event and outcome",
		}, []string{"event", "outcome"}),
		dispatchesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatches_skipped_total",
			Help:      "Total dispatches skipped because publishing is disabled",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "attempts_total",
			Help:      "Total broker delivery attempts by topic and status",
		}, []string{"topic", "status"}),
		deliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "retries_total",
			Help:      "Total delivery retries after transient failures by topic",
		}, []string{"topic"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "duration_seconds",
			Help:      "Broker delivery duration in seconds",
			// Buckets cover typical broker acks: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"topic"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "enqueued_total",
			Help:      "Total async jobs handed to a background processor by processor and status",
		}, []string{"processor", "status"}),
		jobsPerformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "performed_total",
			Help:      "Total async jobs performed by handler and status",
		}, []string{"handler", "status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "duration_seconds",
			Help:      "Time to perform a single async job end-to-end",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "in_flight",
			Help:      "Number of async jobs currently being performed",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
	}

	err := errors.Join(
		reg.Register(m.specsEvaluated),
		reg.Register(m.dispatchesSkipped),
		reg.Register(m.deliveries),
		reg.Register(m.deliveryRetries),
		reg.Register(m.deliveryDuration),
		reg.Register(m.jobsEnqueued),
		reg.Register(m.jobsPerformed),
		reg.Register(m.jobDuration),
		reg.Register(m.jobsInFlight),
		reg.Register(m.errors),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for failures not covered by delivery/job counters.
const (
	ErrTypeInvalidJob     = "invalid_job"
	ErrTypeUnknownHandler = "unknown_handler"
	ErrTypeSpecFailure    = "spec_failure"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// RecordSpecEvaluation records whether a spec fired for a lifecycle event.
func (m *Metrics) RecordSpecEvaluation(event string, eligible bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSkipped
	if eligible {
		outcome = OutcomeEligible
	}
	m.specsEvaluated.WithLabelValues(event, outcome).Inc()
}

// IncDispatchSkipped records a dispatch dropped by the kill switch.
func (m *Metrics) IncDispatchSkipped() {
	if m == nil {
		return
	}
	m.dispatchesSkipped.Inc()
}

// RecordDelivery records a single broker delivery attempt.
func (m *Metrics) RecordDelivery(topic string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.deliveries.WithLabelValues(topic, status).Inc()
	m.deliveryDuration.WithLabelValues(topic).Observe(durationSeconds)
}

// IncDeliveryRetry records a retry after a transient delivery failure.
func (m *Metrics) IncDeliveryRetry(topic string) {
	if m == nil {
		return
	}
	m.deliveryRetries.WithLabelValues(topic).Inc()
}

// RecordEnqueue records an async handoff to a background processor.
func (m *Metrics) RecordEnqueue(processor string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.jobsEnqueued.WithLabelValues(processor, status).Inc()
}

// RecordJobPerformed records the outcome of an async job run by the worker.
func (m *Metrics) RecordJobPerformed(handler string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.jobsPerformed.WithLabelValues(handler, status).Inc()
	m.jobDuration.Observe(durationSeconds)
}

// IncJobsInFlight increments the in-flight job gauge.
func (m *Metrics) IncJobsInFlight() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

// DecJobsInFlight decrements the in-flight job gauge.
func (m *Metrics) DecJobsInFlight() {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
}

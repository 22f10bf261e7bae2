package observability

import "github.com/prometheus/client_golang/prometheus"

// SagaMetrics tracks saga instance outcomes and activity failures.
type SagaMetrics struct {
	finished         *prometheus.CounterVec
	activityFailures *prometheus.CounterVec
}

// NewSagaMetrics registers saga collectors against the provided registerer.
// When the registerer is nil the default Prometheus registerer is used.
func NewSagaMetrics(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provisio_saga_finished_total",
		Help: "Saga instances reaching a terminal runtime status, by workflow.",
	}, []string{"workflow", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provisio_saga_activity_failures_total",
		Help: "Activities that exhausted their retry policy, by activity name.",
	}, []string{"activity"})
	registerer.MustRegister(finished, failures)
	return &SagaMetrics{finished: finished, activityFailures: failures}
}

// InstanceFinished records a terminal saga instance.
func (m *SagaMetrics) InstanceFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(workflow, status).Inc()
}

// ActivityFailed records an activity that failed permanently.
func (m *SagaMetrics) ActivityFailed(activity string) {
	if m == nil {
		return
	}
	m.activityFailures.WithLabelValues(activity).Inc()
}

// Package telemetry bundles the Prometheus instruments the hub exposes on /metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter, gauge, and histogram the hub pipeline touches.
type Metrics struct {
	PacketsReceived  *prometheus.CounterVec // labels: type
	PacketsDropped   *prometheus.CounterVec // labels: reason
	SessionsOpened   prometheus.Counter
	SessionsComplete prometheus.Counter
	SessionsAbandoned prometheus.Counter
	SessionsEvicted  prometheus.Counter

	ClassifierCalls    *prometheus.CounterVec   // labels: tier, outcome
	ClassifierDuration *prometheus.HistogramVec // labels: tier
	DeepQuotaRemaining prometheus.Gauge

	SyncQueueDepth    prometheus.Gauge
	SyncQueueDrained  prometheus.Counter
	SyncQueueFailed   prometheus.Counter

	AlertsCreated  prometheus.Counter
	SubscriberLag  prometheus.Counter

	HTTPRequestDuration *prometheus.HistogramVec // labels: path, method
}

// NewMetrics constructs and registers every instrument against the supplied
// registry. Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry; production code passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "packets_received_total",
			Help:      "Radio packets received by type.",
		}, []string{"type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "packets_dropped_total",
			Help:      "Radio packets dropped by reason.",
		}, []string{"reason"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sessions_opened_total",
			Help:      "Transmission sessions opened by a SPEC_START packet.",
		}),
		SessionsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sessions_completed_total",
			Help:      "Transmission sessions that reached completion.",
		}),
		SessionsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sessions_abandoned_total",
			Help:      "Transmission sessions abandoned on timeout.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sessions_evicted_total",
			Help:      "Transmission sessions evicted to stay under the concurrent-session cap.",
		}),
		ClassifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "classifier_calls_total",
			Help:      "Classifier tier invocations by outcome.",
		}, []string{"tier", "outcome"}),
		ClassifierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian_hub",
			Name:      "classifier_duration_seconds",
			Help:      "Classifier tier call duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"tier"}),
		DeepQuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian_hub",
			Name:      "deep_quota_remaining",
			Help:      "Remaining deep-cloud calls in the current rate-limit window.",
		}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian_hub",
			Name:      "sync_queue_depth",
			Help:      "Pending entries in the offline sync queue.",
		}),
		SyncQueueDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sync_queue_drained_total",
			Help:      "Sync queue entries successfully re-classified.",
		}),
		SyncQueueFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "sync_queue_failed_total",
			Help:      "Sync queue entries that exhausted their retry budget.",
		}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "alerts_created_total",
			Help:      "Alert records created.",
		}),
		SubscriberLag: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian_hub",
			Name:      "subscriber_lag_total",
			Help:      "Times a slow event subscriber had its oldest queued event dropped.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian_hub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler duration.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"path", "method"}),
	}

	reg.MustRegister(
		m.PacketsReceived, m.PacketsDropped,
		m.SessionsOpened, m.SessionsComplete, m.SessionsAbandoned, m.SessionsEvicted,
		m.ClassifierCalls, m.ClassifierDuration, m.DeepQuotaRemaining,
		m.SyncQueueDepth, m.SyncQueueDrained, m.SyncQueueFailed,
		m.AlertsCreated, m.SubscriberLag,
		m.HTTPRequestDuration,
	)

	return m
}

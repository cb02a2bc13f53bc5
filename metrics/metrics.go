// Package metrics exposes Prometheus instrumentation for the KEK service.
// Each Metrics value carries its own registry so that tests and multiple
// server instances never fight over metric registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the KEK service.
type Metrics struct {
	registry *prometheus.Registry

	// API surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// KEK lifecycle
	VersionsCreatedTotal   prometheus.Counter
	VersionRotationsTotal  prometheus.Counter
	BlobsProvisionedTotal  prometheus.Counter
	BlobsDeletedTotal      prometheus.Counter
	QuorumTasksTotal       *prometheus.CounterVec
	QuorumCompletionsTotal prometheus.Counter

	// Recovery protocol
	RecoverySessionsTotal   *prometheus.CounterVec
	RecoverySharesTotal     prometheus.Counter
	RecoverySessionDuration prometheus.Histogram
}

// New creates and registers all metrics under the given service label.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": service}

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "api",
			Name:        "requests_total",
			Help:        "Total number of API requests by operation and result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kekd",
			Subsystem:   "api",
			Name:        "request_duration_seconds",
			Help:        "Histogram of API request durations by operation",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		VersionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "versions",
			Name:        "created_total",
			Help:        "Total number of KEK versions created",
			ConstLabels: labels,
		}),
		VersionRotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "versions",
			Name:        "rotations_total",
			Help:        "Total number of KEK rotations",
			ConstLabels: labels,
		}),
		BlobsProvisionedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "blobs",
			Name:        "provisioned_total",
			Help:        "Total number of blob provisioning upserts",
			ConstLabels: labels,
		}),
		BlobsDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "blobs",
			Name:        "deleted_total",
			Help:        "Total number of blob deletions",
			ConstLabels: labels,
		}),
		QuorumTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "quorum",
			Name:        "tasks_total",
			Help:        "Total number of quorum tasks created by type",
			ConstLabels: labels,
		}, []string{"task_type"}),
		QuorumCompletionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "quorum",
			Name:        "completions_total",
			Help:        "Total number of quorum tasks that reached their threshold",
			ConstLabels: labels,
		}),
		RecoverySessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "recovery",
			Name:        "sessions_total",
			Help:        "Total number of recovery session transitions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		RecoverySharesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kekd",
			Subsystem:   "recovery",
			Name:        "shares_total",
			Help:        "Total number of recovery shares accepted",
			ConstLabels: labels,
		}),
		RecoverySessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kekd",
			Subsystem:   "recovery",
			Name:        "session_duration_seconds",
			Help:        "Histogram of initiate-to-complete durations of recovery sessions",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

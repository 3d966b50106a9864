// Package metrics exports ledger operation outcomes to Prometheus.
//
// Recorder implements ledger.Observer, so the same value is handed to the
// ledger, the lineage builder and the auditor:
//
//	rec := metrics.New(prometheus.NewRegistry())
//	l := ledger.New(store, ledger.WithObserver(rec))
//	router.Handle("/metrics", rec.Handler())
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/nursery-ledger/ledger"
)

const namespace = "nursery_ledger"

type Recorder struct {
	registry     *prometheus.Registry
	operations   *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	conflicts    *prometheus.CounterVec
	integrity    *prometheus.CounterVec
	sinkFailures prometheus.Counter
}

// New registers the ledger collectors on reg.
func New(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome category.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Writes rejected because the batch was locked or its version moved.",
		}, []string{"operation"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Corruption and inconsistent lineage detected.",
		}, []string{"operation"}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Committed event batches an event sink failed to deliver.",
		}),
	}
	reg.MustRegister(r.operations, r.durations, r.conflicts, r.integrity, r.sinkFailures)
	return r
}

// Observe records one finished operation. outcome is "ok", "error" or an
// error category from ledger.CategoryOf.
func (r *Recorder) Observe(_ context.Context, operation, outcome string, d time.Duration) {
	if operation == "" {
		return
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.durations.WithLabelValues(operation).Observe(d.Seconds())

	switch {
	case outcome == ledger.CategoryConflict:
		r.conflicts.WithLabelValues(operation).Inc()
	case outcome == ledger.CategoryIntegrity:
		r.integrity.WithLabelValues(operation).Inc()
	case operation == "sink_publish" && outcome == "error":
		r.sinkFailures.Inc()
	}
}

var _ ledger.Observer = (*Recorder)(nil)

// Conflicts, IntegrityErrors and SinkFailures expose single series for
// tests and health checks.
func (r *Recorder) Conflicts(operation string) prometheus.Counter {
	return r.conflicts.WithLabelValues(operation)
}

func (r *Recorder) IntegrityErrors(operation string) prometheus.Counter {
	return r.integrity.WithLabelValues(operation)
}

func (r *Recorder) SinkFailures() prometheus.Counter { return r.sinkFailures }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

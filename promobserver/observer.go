// Package promobserver exports megabuffer allocator metrics to Prometheus.
package promobserver

import (
	"errors"

	megabuffer "github.com/holmberd/go-megabuffer"
	"github.com/prometheus/client_golang/prometheus"
)

// Observer implements megabuffer.MetricsObserver with Prometheus collectors.
type Observer struct {
	pushes      *prometheus.CounterVec
	pushedBytes prometheus.Counter
	pushSize    prometheus.Histogram
	reclaims    prometheus.Counter
	grows       prometheus.Counter
	chunks      prometheus.Gauge
}

var _ megabuffer.MetricsObserver = (*Observer)(nil)

// New creates an observer and registers its collectors with reg.
// Metric names are prefixed with namespace, e.g. "gpu" gives "gpu_megabuffer_pushes_total".
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	o := &Observer{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "pushes_total",
			Help:      "Total pushes by status",
		}, []string{"status"}),
		pushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "pushed_bytes_total",
			Help:      "Total bytes copied into chunks",
		}),
		pushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "push_size_bytes",
			Help:      "Size of successful pushes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B .. 16MiB
		}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "reclaims_total",
			Help:      "Total chunks reset and reused",
		}),
		grows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "grows_total",
			Help:      "Total chunks added to the pool after the first",
		}),
		chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "megabuffer",
			Name:      "chunks",
			Help:      "Number of chunks in the pool",
		}),
	}

	for _, c := range []prometheus.Collector{o.pushes, o.pushedBytes, o.pushSize, o.reclaims, o.grows, o.chunks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	o.chunks.Set(1) // The allocator creates its first chunk eagerly.
	return o, nil
}

// RecordPush implements megabuffer.MetricsObserver.
func (o *Observer) RecordPush(size int, err error) {
	if err != nil {
		o.pushes.WithLabelValues(status(err)).Inc()
		return
	}
	o.pushes.WithLabelValues("ok").Inc()
	o.pushedBytes.Add(float64(size))
	o.pushSize.Observe(float64(size))
}

// RecordReclaim implements megabuffer.MetricsObserver.
func (o *Observer) RecordReclaim() {
	o.reclaims.Inc()
}

// RecordGrow implements megabuffer.MetricsObserver.
func (o *Observer) RecordGrow(chunks int) {
	o.grows.Inc()
	o.chunks.Set(float64(chunks))
}

func status(err error) string {
	switch {
	case errors.Is(err, megabuffer.ErrAllocationTooLarge):
		return "too_large"
	case errors.Is(err, megabuffer.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// Package metrics exposes the Prometheus collectors the write serializer
// (and other components) report through.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WriterQueueDepth reports the current queue length per database path.
	WriterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_writer_queue_depth",
			Help: "Current number of pending write jobs for a database.",
		},
		[]string{"db"},
	)

	// WriterQueueHighWaterMark reports the historical max queue length.
	WriterQueueHighWaterMark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "substrate_writer_queue_high_water_mark",
			Help: "Historical maximum queue length for a database.",
		},
		[]string{"db"},
	)

	// WriterWritesTotal counts completed writes by outcome.
	WriterWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_writer_writes_total",
			Help: "Total write closures executed, by outcome.",
		},
		[]string{"db", "outcome"}, // outcome: success|failed
	)

	// WriterRetriesTotal counts busy/locked retry attempts.
	WriterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_writer_retries_total",
			Help: "Total retry attempts due to SQLITE_BUSY/SQLITE_LOCKED.",
		},
		[]string{"db"},
	)

	// WriterWriteDuration observes commit latency.
	WriterWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "substrate_writer_write_duration_seconds",
			Help:    "Latency of write closures from dequeue to commit or rollback.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"db"},
	)
)

// Register registers all collectors against the given registerer. Tests may
// pass a fresh prometheus.NewRegistry() to avoid collisions with the global
// default registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		WriterQueueDepth,
		WriterQueueHighWaterMark,
		WriterWritesTotal,
		WriterRetriesTotal,
		WriterWriteDuration,
	} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
				continue
			}
			return err
		}
	}
	return nil
}

// MustRegister registers all collectors against the default registry,
// tolerating re-registration (useful in tests that call it repeatedly).
func MustRegister() {
	_ = Register(prometheus.DefaultRegisterer)
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SegletsAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_seglets_allocated",
		Help: "Number of seglets currently handed out by the pool",
	})

	SegletsFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seglog_seglets_free",
		Help: "Number of seglets sitting on the pool's free list",
	})

	EntriesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_entries_appended_total",
		Help: "Total number of entries appended to segments",
	})

	BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_bytes_appended_total",
		Help: "Total entry bytes (headers included) appended to segments",
	})

	IntegrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_integrity_failures_total",
		Help: "Total number of failed segment metadata integrity checks",
	})

	SegmentsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seglog_segments_sealed_total",
		Help: "Total number of segments the log has closed after filling up",
	})
)

// Register installs every collector in this package on r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		SegletsAllocated,
		SegletsFree,
		EntriesAppended,
		BytesAppended,
		IntegrityFailures,
		SegmentsSealed,
	)
}

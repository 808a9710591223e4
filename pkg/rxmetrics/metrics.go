// Package rxmetrics reports receive-window telemetry to Prometheus:
// forced trail evictions, flush burst sizes, per-state slot entries, and
// NAKs sent. It implements rxw.Metrics so a Window can be wired to it
// directly at construction time.
package rxmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirulimited/pgmrx/pkg/rxw"
)

// Recorder is a prometheus-backed rxw.Metrics implementation.
type Recorder struct {
	trailEvictions prometheus.Counter
	flushBurstSize prometheus.Histogram
	stateEntries   *prometheus.CounterVec
	naksSent       prometheus.Counter
}

// NewRecorder builds a Recorder and registers its collectors with reg. Pass
// prometheus.DefaultRegisterer for the process-wide default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		trailEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgmrx",
			Subsystem: "rxw",
			Name:      "trail_evictions_total",
			Help:      "Slots forcibly evicted from the trail due to a full window or sender trail advance.",
		}),
		flushBurstSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgmrx",
			Subsystem: "rxw",
			Name:      "flush_burst_size",
			Help:      "Number of contiguous packets delivered to the sink per flush call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		stateEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgmrx",
			Subsystem: "rxw",
			Name:      "slot_state_entries_total",
			Help:      "Slots entering each state, by state.",
		}, []string{"state"}),
		naksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgmrx",
			Subsystem: "nak",
			Name:      "sent_total",
			Help:      "NAKs sent, including resends.",
		}),
	}
	reg.MustRegister(r.trailEvictions, r.flushBurstSize, r.stateEntries, r.naksSent)
	return r
}

// RecordNAKSent reports a NAK transmission; pkg/nak's Scheduler calls this
// through its own optional Metrics interface.
func (r *Recorder) RecordNAKSent() {
	r.naksSent.Inc()
}

func (r *Recorder) RecordTrailEviction() {
	r.trailEvictions.Inc()
}

func (r *Recorder) RecordFlush(delivered int) {
	r.flushBurstSize.Observe(float64(delivered))
}

func (r *Recorder) RecordStateEntry(state rxw.State) {
	r.stateEntries.WithLabelValues(state.String()).Inc()
}

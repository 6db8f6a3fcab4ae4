// Package metrics holds the prometheus collectors shared by the polling,
// push and lock paths. A nil *Recorder records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventshim"

type Recorder struct {
	polls          *prometheus.CounterVec
	pollDurations  *prometheus.HistogramVec
	pushes         *prometheus.CounterVec
	lockContention *prometheus.CounterVec
	events         *prometheus.CounterVec
	batches        prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "items_total",
			Help:      "Pending events processed, labeled by pending type and outcome",
		}, []string{"type", "outcome"}),
		pollDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "item_duration_seconds",
			Help:      "Duration of one polling exchange",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Push notifications sent, labeled by backend and result",
		}, []string{"backend", "result"}),
		lockContention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Lock acquisitions that found the resource held",
		}, []string{"type"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "appended_total",
			Help:      "Events appended to tenant logs, labeled by event type",
		}, []string{"type"}),
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "batches_total",
			Help:      "Processor runs",
		}),
	}
}

func (r *Recorder) Batch() {
	if r == nil {
		return
	}
	r.batches.Inc()
}

// Poll records one processed pending event.
func (r *Recorder) Poll(pendingType, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.polls.WithLabelValues(pendingType, outcome).Inc()
	r.pollDurations.WithLabelValues(pendingType).Observe(d.Seconds())
}

func (r *Recorder) Push(backend string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	if backend == "" {
		backend = "default"
	}
	r.pushes.WithLabelValues(backend, result).Inc()
}

func (r *Recorder) LockContention(pendingType string) {
	if r == nil {
		return
	}
	r.lockContention.WithLabelValues(pendingType).Inc()
}

func (r *Recorder) Event(eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType).Inc()
}

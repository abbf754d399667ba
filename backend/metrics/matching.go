package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Matching records swipe and match activity. A nil *Matching is valid and records nothing.
type Matching struct {
	swipes        *prometheus.CounterVec
	matches       prometheus.Counter
	unmatches     prometheus.Counter
	partialWrites *prometheus.CounterVec
	repairs       *prometheus.CounterVec
	feedSize      prometheus.Histogram
}

// NewMatching registers the matching metrics on the provided registerer.
func NewMatching(reg prometheus.Registerer) *Matching {
	if reg == nil {
		return nil
	}
	swipes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outdora_swipes_total",
		Help: "Swipes by direction and outcome.",
	}, []string{"direction", "outcome"})
	matches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outdora_matches_created_total",
		Help: "Mutual matches created.",
	})
	unmatches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outdora_unmatches_total",
		Help: "Matches removed by unmatch.",
	})
	partialWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outdora_partial_writes_total",
		Help: "Two-sided updates where only one side was written.",
	}, []string{"operation"})
	repairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outdora_reconcile_repairs_total",
		Help: "Repairs applied by the reconciliation pass.",
	}, []string{"kind"})
	feedSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outdora_feed_size",
		Help:    "Number of candidates returned per feed request.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})
	reg.MustRegister(swipes, matches, unmatches, partialWrites, repairs, feedSize)
	return &Matching{
		swipes:        swipes,
		matches:       matches,
		unmatches:     unmatches,
		partialWrites: partialWrites,
		repairs:       repairs,
		feedSize:      feedSize,
	}
}

func (m *Matching) IncSwipe(direction, outcome string) {
	if m == nil {
		return
	}
	m.swipes.WithLabelValues(normalizeLabel(direction), normalizeLabel(outcome)).Inc()
}

func (m *Matching) IncMatch() {
	if m == nil {
		return
	}
	m.matches.Inc()
}

func (m *Matching) IncUnmatch() {
	if m == nil {
		return
	}
	m.unmatches.Inc()
}

func (m *Matching) IncPartialWrite(operation string) {
	if m == nil {
		return
	}
	m.partialWrites.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *Matching) AddRepairs(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairs.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}

func (m *Matching) ObserveFeedSize(n int) {
	if m == nil {
		return
	}
	m.feedSize.Observe(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a scrape run. All methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	Registry              *prometheus.Registry
	ActionsTotal          *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	CardsExtractedTotal   prometheus.Counter
	BatchesTotal          *prometheus.CounterVec
	FieldErrorsTotal      *prometheus.CounterVec
	CheckpointsTotal      prometheus.Counter
	ErrorsTotal           *prometheus.CounterVec
	PreflightRetriesTotal prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	actions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_actions_total",
			Help: "Element waits and clicks by outcome.",
		},
		[]string{"action", "outcome"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scraper_stage_duration_seconds",
			Help:    "Wall time spent in each stage of a run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"stage"},
	)
	cards := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_cards_extracted_total",
			Help: "Total number of product cards recorded.",
		},
	)
	batches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_batches_total",
			Help: "Continuations attempted after a batch, by strategy.",
		},
		[]string{"continuation"},
	)
	fieldErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_field_errors_total",
			Help: "Card fields that could not be extracted.",
		},
		[]string{"field"},
	)
	checkpoints := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_checkpoints_total",
			Help: "Checkpoint snapshots written.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	preflightRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_preflight_retries_total",
			Help: "Preflight request retries scheduled.",
		},
	)

	registry.MustRegister(actions, stageDuration, cards, batches, fieldErrors, checkpoints, errorsTotal, preflightRetries)

	return &Metrics{
		Registry:              registry,
		ActionsTotal:          actions,
		StageDuration:         stageDuration,
		CardsExtractedTotal:   cards,
		BatchesTotal:          batches,
		FieldErrorsTotal:      fieldErrors,
		CheckpointsTotal:      checkpoints,
		ErrorsTotal:           errorsTotal,
		PreflightRetriesTotal: preflightRetries,
	}
}

// ObserveAction records one element interaction. It satisfies browser.Observer.
func (m *Metrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncCards increments the extracted cards counter.
func (m *Metrics) IncCards() {
	if m == nil {
		return
	}
	m.CardsExtractedTotal.Inc()
}

// IncBatch counts a continuation attempt.
func (m *Metrics) IncBatch(continuation string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(continuation).Inc()
}

// IncFieldError counts a field that fell back to its default.
func (m *Metrics) IncFieldError(field string) {
	if m == nil {
		return
	}
	m.FieldErrorsTotal.WithLabelValues(field).Inc()
}

// IncCheckpoint counts a checkpoint write.
func (m *Metrics) IncCheckpoint() {
	if m == nil {
		return
	}
	m.CheckpointsTotal.Inc()
}

// IncPreflightRetries increments the preflight retries counter.
func (m *Metrics) IncPreflightRetries() {
	if m == nil {
		return
	}
	m.PreflightRetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

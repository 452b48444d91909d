// Package metrics holds the Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfquiz_runs_total",
			Help: "Processing runs by terminal status",
		},
		[]string{"status"},
	)

	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfquiz_documents_rejected_total",
			Help: "Uploaded documents rejected by the input validator",
		},
		[]string{"check"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdfquiz_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	PagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfquiz_pages_total",
			Help: "Recognized pages by outcome",
		},
		[]string{"outcome"},
	)

	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfquiz_chunks_total",
			Help: "Extraction chunks by outcome",
		},
		[]string{"outcome"},
	)

	QuestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfquiz_questions_total",
			Help: "Questions by pipeline outcome",
		},
		[]string{"outcome"},
	)

	PageConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdfquiz_page_confidence",
			Help:    "OCR confidence per recognized page",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

// Outcome label values.
const (
	OutcomeUsable     = "usable"
	OutcomeUnusable   = "unusable"
	OutcomeOK         = "ok"
	OutcomeFailed     = "failed"
	OutcomeExtracted  = "extracted"
	OutcomeDuplicate  = "duplicate"
	OutcomeInvalid    = "invalid"
	OutcomeStored     = "stored"
	OutcomeStoreError = "store_error"
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		MustRegister(prometheus.DefaultRegisterer)
	})
}

// MustRegister adds every collector to reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RunsTotal,
		RejectedTotal,
		StageDuration,
		PagesTotal,
		ChunksTotal,
		QuestionsTotal,
		PageConfidence,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

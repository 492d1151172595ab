package services

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// retrievalResults observes how many chunks each search returned.
	retrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_retrieval_results",
			Help:    "Number of chunks returned per similarity search.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	// answersTotal counts answers by outcome: grounded, no_grounding, error.
	answersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_answers_total",
			Help: "Answers produced, by outcome.",
		},
		[]string{"outcome"},
	)

	// generationsTotal counts generated teaching material by outcome:
	// grounded, no_grounding, error.
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_generations_total",
			Help: "Teaching material generations, by outcome.",
		},
		[]string{"outcome"},
	)

	// collaboratorLatency records model call durations by kind.
	collaboratorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_collaborator_duration_seconds",
			Help:    "Duration of embedding, generation and summarization calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// collaboratorFailures counts failed model calls by kind and retryability.
	collaboratorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_collaborator_failures_total",
			Help: "Failed collaborator calls.",
		},
		[]string{"kind", "retryable"},
	)

	// compressions counts rolling-summary folds.
	compressions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_memory_compressions_total",
			Help: "Conversation history compressions into the rolling summary.",
		},
	)
)

func init() {
	prometheus.MustRegister(retrievalResults, answersTotal, generationsTotal, collaboratorLatency, collaboratorFailures, compressions)
}

func kindLabel(kind error) string {
	switch {
	case errors.Is(kind, ErrEmbedding):
		return "embed"
	case errors.Is(kind, ErrGeneration):
		return "generate"
	case errors.Is(kind, ErrSummarization):
		return "summarize"
	default:
		return "unknown"
	}
}

// observeCall records latency and, on failure, wraps err as a CollaboratorError.
func observeCall(kind error, start time.Time, err error) error {
	label := kindLabel(kind)
	collaboratorLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	ce := collaboratorError(kind, err)
	retry := "false"
	if ce.Retryable {
		retry = "true"
	}
	collaboratorFailures.WithLabelValues(label, retry).Inc()
	return ce
}

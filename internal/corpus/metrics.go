package corpus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_corpus_documents_total",
		Help: "Total number of documents read from corpus files",
	})

	batchesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_corpus_batches_total",
		Help: "Total number of training batches produced",
	})

	tokensProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_corpus_tokens_total",
		Help: "Total number of tokens emitted into batches",
	})

	maskedPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_corpus_masked_positions_total",
		Help: "Total number of positions selected for masked-LM prediction",
	})

	tokenizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_tokenization_duration_seconds",
		Help:    "Time spent tokenizing the corpus",
		Buckets: prometheus.DefBuckets,
	})
)

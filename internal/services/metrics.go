package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localkb_documents_ingested_total",
		Help: "Documents processed by the ingest pipeline, by terminal status.",
	}, []string{"status"})

	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localkb_chunks_indexed_total",
		Help: "Chunks embedded and written to the vector store.",
	})

	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localkb_searches_total",
		Help: "Search requests, by mode.",
	}, []string{"mode"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "localkb_search_duration_seconds",
		Help:    "Search latency.",
		Buckets: prometheus.DefBuckets,
	})

	chatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localkb_chat_turns_total",
		Help: "Chat turns, gated=true when the relevance gate suppressed generation.",
	}, []string{"gated"})
)

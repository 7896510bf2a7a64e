package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callquery_generation_total",
			Help: "Total number of generation attempts by task and terminal outcome.",
		},
		[]string{"task", "outcome"},
	)
	llmLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callquery_llm_latency_ms",
			Help:    "LLM completion latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"model"},
	)
	conversationRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callquery_conversation_records_total",
			Help: "Total number of question/answer pairs recorded.",
		},
	)
	syncRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callquery_sync_rows_total",
			Help: "Total number of emergency call rows upserted by the sync job.",
		},
	)
	syncWatermarkSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callquery_sync_watermark_seconds",
			Help: "Unix time of the newest data_loaded_at value seen by the sync job.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		generationTotal,
		llmLatencyMs,
		conversationRecordsTotal,
		syncRowsTotal,
		syncWatermarkSeconds,
	)
}

func ObserveGeneration(task, outcome string) {
	generationTotal.WithLabelValues(task, outcome).Inc()
}

func ObserveLLMLatency(model string, elapsed time.Duration) {
	llmLatencyMs.WithLabelValues(model).Observe(float64(elapsed.Milliseconds()))
}

func IncrementConversationRecords() {
	conversationRecordsTotal.Inc()
}

func ObserveSyncBatch(rows int, watermark time.Time) {
	if rows > 0 {
		syncRowsTotal.Add(float64(rows))
	}
	if !watermark.IsZero() {
		syncWatermarkSeconds.Set(float64(watermark.Unix()))
	}
}

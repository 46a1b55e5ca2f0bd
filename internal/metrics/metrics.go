package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BestBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainscope_best_block",
		Help: "Highest block number received from the live subscription",
	})

	BlocksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_blocks_ingested_total",
		Help: "Total blocks inserted into the cache",
	})

	EventsSummarized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_events_summarized_total",
		Help: "Total event summaries pushed to the recent-events list",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_reconnects_total",
		Help: "Total reconnection cycles started by the worker",
	})

	CacheClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_cache_clears_total",
		Help: "Total full cache clears triggered by a chain identity change",
	})

	BlocksEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_blocks_evicted_total",
		Help: "Total blocks evicted from the cache by the size bound",
	})

	RequestsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainscope_requests_dropped_total",
		Help: "Total worker requests dropped because the request queue was full",
	})
)

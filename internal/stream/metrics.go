package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cacheLabel  = "cache"
	resultLabel = "result"
)

var (
	slotCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_slot_capacity",
		Help: "The number of physical slots of a cache.",
	}, []string{cacheLabel})

	slotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_slots_in_use",
		Help: "The number of physical slots currently held.",
	}, []string{cacheLabel})

	queueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_request_queue_length",
		Help: "The number of queued tile requests.",
	}, []string{cacheLabel})

	fetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilestream_fetch_latency_seconds",
		Help:    "The time taken to fetch all channels of a tile.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{cacheLabel, resultLabel})

	drainTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_drain_tiles_total",
		Help: "The total number of tiles processed by drains, by outcome.",
	}, []string{cacheLabel, resultLabel})

	drainCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_drains_total",
		Help: "The total number of completed drains.",
	}, []string{cacheLabel})
)

func instrumentCapacity(cache string, capacity int) {
	slotCapacity.
		With(prometheus.Labels{cacheLabel: cache}).
		Set(float64(capacity))
}

func instrumentSlots(cache string, used int) {
	slotsInUse.
		With(prometheus.Labels{cacheLabel: cache}).
		Set(float64(used))
}

func instrumentQueue(cache string, n int) {
	queueLength.
		With(prometheus.Labels{cacheLabel: cache}).
		Set(float64(n))
}

func instrumentFetch(cache string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	fetchLatency.
		With(prometheus.Labels{cacheLabel: cache, resultLabel: result}).
		Observe(d.Seconds())
}

func instrumentDrain(sum DrainSummary) {
	drainCount.
		With(prometheus.Labels{cacheLabel: sum.Cache}).
		Inc()

	for result, n := range map[string]int{
		"mapped":    sum.Mapped,
		"discarded": sum.Discarded,
		"failed":    sum.Failed,
		"skipped":   sum.Skipped,
		"requeued":  sum.Requeued,
	} {
		drainTiles.
			With(prometheus.Labels{cacheLabel: sum.Cache, resultLabel: result}).
			Add(float64(n))
	}
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_enqueued_total", Help: "Pins added to the queue"})
	ClaimedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_claimed_total", Help: "Pins claimed by a worker batch or an operator retry"})
	PublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_published_total", Help: "Pins published to Pinterest"})
	FailureCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pins_failed_total", Help: "Publish failures by error kind"}, []string{"kind"})
	BatchAborted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_batches_aborted_total", Help: "Worker batches stopped on a configuration error"})
	ReleasedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_released_total", Help: "Claimed pins returned to the queue unattempted or after lease expiry"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_rate_limit_rejects_total", Help: "Provider calls rejected by the local rate limiter"})
	RetryAttempts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pins_retry_attempts_total", Help: "Publish attempts made by operator retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pins_queue_depth", Help: "Pins claimed in the last batch tick"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ClaimedCounter,
			PublishedCounter,
			FailureCounter,
			BatchAborted,
			ReleasedCounter,
			RateLimitRejects,
			RetryAttempts,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}

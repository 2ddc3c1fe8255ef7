package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumenboard/asyncevents/internal/domain"
	"github.com/lumenboard/asyncevents/pkg/config"
)

var (
	initOnce sync.Once

	eventsReadCounter      prometheus.Counter
	eventsPublishedCounter *prometheus.CounterVec
	eventsDeliveredCounter *prometheus.CounterVec
	streamErrorsCounter    *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsReadCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_read_total",
				Help: "Total number of events returned to polling clients.",
			},
		)

		eventsPublishedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of job update events published by status.",
			},
			[]string{"status"},
		)

		eventsDeliveredCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_delivered_total",
				Help: "Total number of events pushed to subscribers by transport.",
			},
			[]string{"transport"},
		)

		streamErrorsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_errors_total",
				Help: "Total number of stream store failures by operation.",
			},
			[]string{"op"},
		)

		prometheus.MustRegister(
			eventsReadCounter,
			eventsPublishedCounter,
			eventsDeliveredCounter,
			streamErrorsCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []string{
			domain.JobStatusPending,
			domain.JobStatusRunning,
			domain.JobStatusError,
			domain.JobStatusDone,
		} {
			eventsPublishedCounter.WithLabelValues(status)
		}

		for _, transport := range []string{config.TransportWS, config.TransportSSE} {
			eventsDeliveredCounter.WithLabelValues(transport)
		}

		for _, op := range []string{"range", "append", "read"} {
			streamErrorsCounter.WithLabelValues(op)
		}
	})
}

func AddEventsRead(n int) {
	Init()
	eventsReadCounter.Add(float64(n))
}

func IncEventsPublished(status string) {
	Init()
	eventsPublishedCounter.WithLabelValues(status).Inc()
}

func IncEventsDelivered(transport string) {
	Init()
	eventsDeliveredCounter.WithLabelValues(transport).Inc()
}

func IncStreamError(op string) {
	Init()
	streamErrorsCounter.WithLabelValues(op).Inc()
}

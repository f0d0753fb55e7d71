package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SchedulesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyrelay_schedules_created_total",
		Help: "Scheduled emails accepted, by recurrence kind.",
	}, []string{"kind"})

	SchedulesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifyrelay_schedules_cancelled_total",
		Help: "Scheduled emails cancelled through the API.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyrelay_deliveries_total",
		Help: "Resolved delivery attempts of scheduled emails.",
	}, []string{"kind", "outcome"}) // outcome: succeeded, retried, failed, dropped

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifyrelay_delivery_duration_seconds",
		Help:    "Time spent in the email sender per attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kind"})

	Claimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifyrelay_claimed_total",
		Help: "Records moved to in_flight by the dispatcher.",
	})

	Recovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifyrelay_recovered_total",
		Help: "Stuck in_flight records returned to pending.",
	})

	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifyrelay_tick_errors_total",
		Help: "Dispatcher ticks that could not claim due records.",
	})

	ImmediateSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyrelay_immediate_sends_total",
		Help: "Immediate email and push sends, by channel and result.",
	}, []string{"channel", "result"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

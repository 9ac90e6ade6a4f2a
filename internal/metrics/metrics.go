package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "probooking"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	bookingsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_created_total",
			Help:      "Bookings created in pending_payment.",
		},
	)

	slotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_conflicts_total",
			Help:      "Booking attempts rejected because the slot was taken.",
		},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Successful booking status transitions by target status.",
		},
		[]string{"to"},
	)

	disputeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispute_transitions_total",
			Help:      "Dispute status changes by target status and trigger.",
		},
		[]string{"to", "trigger"},
	)

	refundsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_processed_total",
			Help:      "Refunds marked processed.",
		},
	)

	refundedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_minor_total",
			Help:      "Sum of processed refunds in minor currency units.",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbox deliveries by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			bookingsCreated,
			slotConflicts,
			bookingTransitions,
			disputeTransitions,
			refundsProcessed,
			refundedAmount,
			notifications,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(route string, code int, dur time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func IncBookingCreated() {
	bookingsCreated.Inc()
}

func IncSlotConflict() {
	slotConflicts.Inc()
}

func IncBookingTransition(to string) {
	bookingTransitions.WithLabelValues(to).Inc()
}

func IncDisputeTransition(to, trigger string) {
	disputeTransitions.WithLabelValues(to, trigger).Inc()
}

func ObserveRefund(amount int64) {
	refundsProcessed.Inc()
	refundedAmount.Add(float64(amount))
}

func IncNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

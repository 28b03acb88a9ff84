package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total rides created"})
	RidesAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Total rides accepted by a driver"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled"})

	// AcceptConflicts counts accept attempts that lost the pending->accepted race.
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts on rides no longer pending"})

	DriversAvailable  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_available", Help: "Drivers currently eligible for matching"})
	FeedbackRecorded  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "feedback_recorded_total", Help: "Total feedback entries recorded"})
	ReconcileRepairs  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reconcile_repairs_total", Help: "Driver availability repairs applied by the reconciliation sweep"})
	PaymentVerifyVec  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payment_verifications_total", Help: "Payment callback verifications by result"}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

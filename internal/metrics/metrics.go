package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flashsale"

var (
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkout_total",
		Help:      "Checkout attempts by outcome.",
	}, []string{"outcome"})

	SettlementTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_total",
		Help:      "Settlement calls by outcome.",
	}, []string{"outcome"})

	ReservationsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_released_total",
		Help:      "Reservations returned to the pool by reason.",
	}, []string{"reason"})

	IntegrityIncidents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_incidents_total",
		Help:      "Ledger/purchase divergences detected by the sweep.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Domain events dropped because the bus buffer was full.",
	})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

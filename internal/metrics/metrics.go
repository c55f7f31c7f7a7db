// Package metrics содержит коллекторы Prometheus сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coinledger"

var (
	// MatchAttempts считает исходы сопоставления заявок: matched, no_match, conflict, error.
	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "attempts_total",
			Help:      "Ticket match attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CommissionsCreated считает созданные начисления по типу транзакции.
	CommissionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "records_created_total",
			Help:      "Commission records created",
		},
		[]string{"transaction_type"},
	)

	// CommissionsPaid считает начисления, переведённые в Paid.
	CommissionsPaid = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "records_paid_total",
			Help:      "Commission records paid out",
		},
	)

	// PayoutSweepDuration измеряет длительность выплат.
	PayoutSweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "payout_duration_seconds",
			Help:      "Duration of commission payout runs",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// HTTPRequests считает обработанные HTTP-запросы по методу и статусу ответа.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests processed",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration измеряет длительность HTTP-запросов по методу.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

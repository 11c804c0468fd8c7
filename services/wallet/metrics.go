package wallet

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"guildwallet/pkg/errutil"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_operations_total",
		Help: "Wallet operations by outcome",
	}, []string{"operation", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_operation_duration_seconds",
		Help:    "Wallet operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_conflict_retries_total",
		Help: "Transactions retried after a concurrency conflict",
	}, []string{"operation"})

	notificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_notification_failures_total",
		Help: "Transfer notifications that could not be published",
	})
)

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(errutil.StatusOf(err)))
	}
	operationsTotal.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

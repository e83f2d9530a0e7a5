// Package metrics holds the process-wide Prometheus collectors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvoicesCreated counts invoices handed out to payers
	InvoicesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "invoices_created_total",
		Help:      "Number of invoices created",
	})

	// PaymentsSettled counts ledger rows that reached success, split by
	// direction ("in", "out", "internal")
	PaymentsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "payments_settled_total",
		Help:      "Number of settled payments",
	}, []string{"direction"})

	// PaymentsFailed counts outgoing payments that ended terminally failed
	PaymentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "payments_failed_total",
		Help:      "Number of failed outgoing payments",
	})

	// WatcherReconcileRuns counts reconciliation sweeps of the invoice
	// watcher
	WatcherReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "watcher_reconcile_runs_total",
		Help:      "Number of watcher reconciliation sweeps",
	})

	// WatcherReconnects counts settlement stream reconnects
	WatcherReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "watcher_reconnects_total",
		Help:      "Number of settlement stream reconnects",
	})

	// WebhooksDelivered counts webhook POST attempts by outcome
	// ("ok", "error")
	WebhooksDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lnvault",
		Name:      "webhooks_delivered_total",
		Help:      "Number of webhook delivery attempts",
	}, []string{"outcome"})
)

// Package watcher keeps the ledger converged with the funding source. It
// listens on the node's settlement stream, and independently sweeps stale
// pending rows so that missed stream events, crashed pays and expired
// invoices all resolve without operator action.
package watcher

import (
	"context"
	"time"

	"gitlab.com/voltmill/lnvault/async"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/metrics"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/payments"
)

var log = build.AddSubLogger("WTCH")

const (
	// DefaultReconcileInterval is how often the periodic sweep runs
	DefaultReconcileInterval = time.Minute

	// minPendingAge keeps the sweep away from rows whose synchronous call
	// might still be in flight
	minPendingAge = time.Minute
)

// Watcher drives settlement of pending ledger rows
type Watcher struct {
	DB      *db.DB
	Source  funding.Source
	Service *payments.Service

	// ReconcileInterval defaults to DefaultReconcileInterval when zero
	ReconcileInterval time.Duration
}

// Run blocks until ctx is cancelled, maintaining the settlement stream
// subscription and running periodic reconciliation sweeps
func (w *Watcher) Run(ctx context.Context) {
	interval := w.ReconcileInterval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	// catch up on whatever settled while we were down
	w.reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go w.consumeStream(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Watcher shutting down")
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

// consumeStream keeps a PaidInvoices subscription alive, reconnecting
// with jittered backoff when it drops
func (w *Watcher) consumeStream(ctx context.Context) {
	var attempt int
	for {
		hashes, err := w.Source.PaidInvoices(ctx)
		if err != nil {
			attempt++
			delay := async.Backoff(attempt, time.Second, time.Minute)
			log.WithError(err).
				WithField("delay", delay).
				Warn("Could not subscribe to settlement stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		if attempt > 0 {
			metrics.WatcherReconnects.Inc()
			// events may have been missed while disconnected
			w.reconcile(ctx)
		}
		attempt = 0
		log.WithField("source", w.Source.Name()).
			Info("Subscribed to settlement stream")

		for hash := range hashes {
			w.handlePaidHash(ctx, hash)
		}
		if ctx.Err() != nil {
			return
		}
		attempt = 1
		log.Warn("Settlement stream closed, reconnecting")
	}
}

// handlePaidHash settles the pending credits behind a hash the node
// reported as paid. Several rows can share a hash; each is confirmed
// against the source individually so only the invoice that actually
// settled gets credited.
func (w *Watcher) handlePaidHash(ctx context.Context, paymentHash string) {
	credits, err := ledger.PendingCreditsByHash(w.DB, paymentHash)
	if err != nil {
		log.WithError(err).
			WithField("paymentHash", paymentHash).
			Error("Could not look up pending credits")
		return
	}
	if len(credits) == 0 {
		// not ours, or already settled
		return
	}

	for _, credit := range credits {
		status, err := w.Source.InvoiceStatus(ctx, credit.CheckingID)
		if err != nil {
			log.WithError(err).
				WithField("checkingId", credit.CheckingID).
				Warn("Could not confirm invoice status")
			continue
		}
		if !status.Paid {
			continue
		}
		if _, err := w.Service.SettleIncoming(credit.CheckingID, status.Preimage); err != nil {
			log.WithError(err).
				WithField("checkingId", credit.CheckingID).
				Error("Could not settle incoming payment")
		}
	}
}

// reconcile fails expired credits and resolves stale pending rows against
// the funding source
func (w *Watcher) reconcile(ctx context.Context) {
	metrics.WatcherReconcileRuns.Inc()

	if _, err := ledger.SweepExpired(w.DB); err != nil {
		log.WithError(err).Error("Could not sweep expired credits")
	}

	stale, err := ledger.PendingOlderThan(w.DB, time.Now().Add(-minPendingAge))
	if err != nil {
		log.WithError(err).Error("Could not list stale pending rows")
		return
	}

	for _, row := range stale {
		if ctx.Err() != nil {
			return
		}
		if row.IsInternal() {
			// internal rows settle atomically, a stale one is a bug
			log.WithField("checkingId", row.CheckingID).
				Error("Internal row stuck pending")
			continue
		}
		if row.IsOut() {
			if err := w.Service.ResolvePendingDebit(ctx, row); err != nil {
				log.WithError(err).
					WithField("checkingId", row.CheckingID).
					Warn("Could not resolve pending debit")
			}
			continue
		}

		status, err := w.Source.InvoiceStatus(ctx, row.CheckingID)
		if err != nil {
			log.WithError(err).
				WithField("checkingId", row.CheckingID).
				Warn("Could not check invoice status")
			continue
		}
		if status.Paid {
			if _, err := w.Service.SettleIncoming(row.CheckingID, status.Preimage); err != nil {
				log.WithError(err).
					WithField("checkingId", row.CheckingID).
					Error("Could not settle incoming payment")
			}
		}
	}
}

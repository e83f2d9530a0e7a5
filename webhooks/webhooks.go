// Package webhooks delivers settlement notifications to caller-supplied
// URLs. Delivery is best effort: one POST per settled row, outcome
// recorded on the row, no retries.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/metrics"
	"gitlab.com/voltmill/lnvault/models/ledger"
)

var log = build.AddSubLogger("WHOK")

// HttpPoster is the interface we require to be able to deliver webhooks.
// It matches http.Client, and lets tests substitute their own.
type HttpPoster interface {
	Post(url, contentType string, reader io.Reader) (*http.Response, error)
}

const postTimeout = 10 * time.Second

// Deliverer consumes settlement events and posts them out
type Deliverer struct {
	DB     *db.DB
	Poster HttpPoster
}

// New returns a Deliverer with a timeout-bounded default client
func New(database *db.DB) *Deliverer {
	return &Deliverer{
		DB:     database,
		Poster: &http.Client{Timeout: postTimeout},
	}
}

// Register subscribes the deliverer on the bus
func (d *Deliverer) Register(b *bus.Bus) {
	b.Subscribe("webhooks", d.HandleEvent)
}

// HandleEvent delivers the webhook for one settlement event. A resync
// event triggers a scan for settled rows that were never delivered.
func (d *Deliverer) HandleEvent(ctx context.Context, event bus.Event) {
	if event.Resync {
		d.deliverMissed()
		return
	}
	d.deliver(event.Payment)
}

func (d *Deliverer) deliver(payment ledger.Payment) {
	if payment.WebhookURL == nil || *payment.WebhookURL == "" {
		return
	}
	if payment.Status != ledger.Success {
		return
	}

	status, err := d.post(*payment.WebhookURL, payment)
	if err != nil {
		log.WithError(err).
			WithField("checkingId", payment.CheckingID).
			WithField("url", *payment.WebhookURL).
			Warn("Webhook delivery failed")
		metrics.WebhooksDelivered.WithLabelValues("error").Inc()
	} else {
		metrics.WebhooksDelivered.WithLabelValues("ok").Inc()
	}

	if err := ledger.SetWebhookStatus(d.DB, payment.CheckingID, status); err != nil {
		log.WithError(err).
			WithField("checkingId", payment.CheckingID).
			Error("Could not record webhook status")
	}
}

// post sends the payload and returns the HTTP status. Transport failures
// are recorded as status 0.
func (d *Deliverer) post(url string, payment ledger.Payment) (int, error) {
	body, err := json.Marshal(payment)
	if err != nil {
		return 0, errors.Wrap(err, "could not marshal webhook payload")
	}

	response, err := d.Poster.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "could not POST webhook")
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return response.StatusCode, fmt.Errorf("webhook returned %s", response.Status)
	}
	return response.StatusCode, nil
}

// deliverMissed scans for settled rows whose webhook never went out. Runs
// after the bus dropped events on the floor.
func (d *Deliverer) deliverMissed() {
	var missed []ledger.Payment
	query := `SELECT checking_id, wallet_id, payment_hash, amount_msat,
		fee_msat, memo, preimage, bolt11, expiry, status, extra, webhook_url,
		webhook_status, created_at, updated_at
		FROM apipayments
		WHERE status = 'success' AND webhook_url IS NOT NULL
		AND webhook_status IS NULL
		ORDER BY created_at`

	if err := d.DB.Select(&missed, query); err != nil {
		log.WithError(err).Error("Could not scan for missed webhooks")
		return
	}

	if len(missed) > 0 {
		log.WithField("count", len(missed)).Info("Delivering missed webhooks")
	}
	for _, payment := range missed {
		d.deliver(payment)
	}
}

// Package payments is the core service: it creates invoices, routes pays
// either internally or through the funding source, books service fees and
// publishes settlement events. All balance changes go through the ledger
// package, never around it.
package payments

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/bolt11"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/metrics"
	"gitlab.com/voltmill/lnvault/models/ledger"
)

var log = build.AddSubLogger("PYMT")

var (
	// ErrBadAmount means the requested invoice amount was not positive
	ErrBadAmount = errors.New("amount must be a positive number of millisatoshis")
	// ErrMemoTooLong means the memo exceeded MaxMemoBytes
	ErrMemoTooLong = errors.New("memo is too long")
	// ErrBadDescription means both or neither of description hash and
	// unhashed description were supplied when exactly one was required
	ErrBadDescription = errors.New("supply either a description hash or an unhashed description, not both")
	// ErrBadPaymentRequest means the bolt11 string did not decode
	ErrBadPaymentRequest = errors.New("could not decode payment request")
	// ErrAmountlessInvoice means the invoice carries no amount
	ErrAmountlessInvoice = errors.New("amountless invoices are not supported")
	// ErrInvoiceExpired means the invoice's expiry has passed
	ErrInvoiceExpired = errors.New("invoice is expired")
)

const (
	// MaxMemoBytes bounds invoice memos, matching the BOLT-11 limit for a
	// single description field
	MaxMemoBytes = 640

	// DefaultInvoiceExpiry is applied when the caller doesn't pick one
	DefaultInvoiceExpiry = time.Hour

	// payTimeout bounds how long we wait for a synchronous pay before
	// handing the row over to the watcher
	payTimeout = 40 * time.Second

	createTimeout = 30 * time.Second

	// internalPreimage marks rows settled without touching the node
	internalPreimage = "0000000000000000000000000000000000000000000000000000000000000000"
)

// FeeConfig configures the service fee charged on outgoing external
// payments. Percent 0 disables the fee.
type FeeConfig struct {
	// Percent of the payment amount, e.g. 0.5 for half a percent
	Percent float64
	// WalletID receives the collected fees
	WalletID string
}

// Service wires the ledger, the funding source and the event bus together
type Service struct {
	DB     *db.DB
	Source funding.Source
	Bus    *bus.Bus
	Fees   FeeConfig
}

// CreateInvoiceArgs are the caller-supplied parts of a new invoice
type CreateInvoiceArgs struct {
	AmountMsat int64
	Memo       string
	// DescriptionHash is the raw 32-byte hash to embed instead of the memo
	DescriptionHash []byte
	// UnhashedDescription is hashed with sha256 and then used like
	// DescriptionHash. LNURL-pay metadata arrives this way.
	UnhashedDescription []byte
	Expiry              time.Duration
	WebhookURL          string
	Extra               ledger.Extra
}

// CreateInvoice asks the funding source for an invoice and books the
// pending credit row
func (s *Service) CreateInvoice(ctx context.Context, walletID string,
	args CreateInvoiceArgs) (ledger.Payment, error) {

	if args.AmountMsat <= 0 {
		return ledger.Payment{}, ErrBadAmount
	}
	if len(args.Memo) > MaxMemoBytes {
		return ledger.Payment{}, errors.Wrapf(ErrMemoTooLong,
			"%d bytes, max %d", len(args.Memo), MaxMemoBytes)
	}

	descriptionHash := args.DescriptionHash
	if len(args.UnhashedDescription) > 0 {
		if len(descriptionHash) > 0 {
			return ledger.Payment{}, ErrBadDescription
		}
		hash := sha256.Sum256(args.UnhashedDescription)
		descriptionHash = hash[:]
	}
	if len(descriptionHash) > 0 && len(descriptionHash) != sha256.Size {
		return ledger.Payment{}, errors.Wrap(ErrBadDescription,
			"description hash must be 32 bytes")
	}

	expiry := args.Expiry
	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	invoice, err := s.Source.CreateInvoice(ctx, funding.CreateInvoiceParams{
		AmountMsat:      args.AmountMsat,
		Memo:            args.Memo,
		DescriptionHash: descriptionHash,
		Expiry:          int64(expiry.Seconds()),
	})
	if err != nil {
		return ledger.Payment{}, errors.Wrap(err, "funding source could not create invoice")
	}

	row := ledger.Payment{
		CheckingID:  invoice.CheckingID,
		WalletID:    walletID,
		PaymentHash: invoice.PaymentHash,
		AmountMsat:  args.AmountMsat,
		Memo:        strPtr(args.Memo),
		Bolt11:      strPtr(invoice.PaymentRequest),
		Expiry:      time.Now().Add(expiry).Unix(),
		Status:      ledger.Pending,
		Extra:       args.Extra,
		WebhookURL:  strPtr(args.WebhookURL),
	}

	inserted, err := ledger.Insert(s.DB, row)
	if err != nil {
		return ledger.Payment{}, err
	}

	metrics.InvoicesCreated.Inc()
	log.WithField("walletId", walletID).
		WithField("paymentHash", inserted.PaymentHash).
		WithField("amountMsat", inserted.AmountMsat).
		Info("Created invoice")
	return inserted, nil
}

// PayArgs are the caller-supplied parts of an outgoing payment
type PayArgs struct {
	PaymentRequest string
	WebhookURL     string
	Extra          ledger.Extra
}

// PayInvoice debits the wallet and pays the invoice, routing internally
// when the invoice was issued by this ledger. On success the returned row
// is settled; when the funding source is unreachable the row is returned
// still pending together with a wrapped funding.ErrUnreachable.
func (s *Service) PayInvoice(ctx context.Context, walletID string,
	args PayArgs) (ledger.Payment, error) {

	invoice, err := bolt11.Decode(args.PaymentRequest)
	if err != nil {
		return ledger.Payment{}, errors.Wrap(ErrBadPaymentRequest, err.Error())
	}
	if invoice.AmountMsat == 0 {
		return ledger.Payment{}, ErrAmountlessInvoice
	}
	if invoice.IsExpired() {
		return ledger.Payment{}, ErrInvoiceExpired
	}

	debit := ledger.Payment{
		WalletID:    walletID,
		PaymentHash: invoice.PaymentHash,
		AmountMsat:  -invoice.AmountMsat,
		Memo:        strPtr(invoice.Description),
		Bolt11:      strPtr(args.PaymentRequest),
		Extra:       args.Extra,
		WebhookURL:  strPtr(args.WebhookURL),
	}

	// an invoice we issued ourselves never goes out to the node
	credits, err := ledger.PendingCreditsByHash(s.DB, invoice.PaymentHash)
	if err != nil {
		return ledger.Payment{}, err
	}
	if len(credits) > 0 {
		return s.payInternal(debit, credits[0])
	}

	return s.payExternal(ctx, debit, args.PaymentRequest, invoice.AmountMsat)
}

func (s *Service) payInternal(debit ledger.Payment,
	credit ledger.Payment) (ledger.Payment, error) {

	settledDebit, settledCredit, err := ledger.SettleInternal(s.DB, debit,
		credit.CheckingID, internalPreimage)
	if err != nil {
		return ledger.Payment{}, err
	}

	metrics.PaymentsSettled.WithLabelValues("internal").Inc()
	s.Bus.Publish(settledDebit)
	s.Bus.Publish(settledCredit)

	log.WithField("from", settledDebit.WalletID).
		WithField("to", settledCredit.WalletID).
		WithField("amountMsat", settledCredit.AmountMsat).
		Info("Routed payment internally")
	return settledDebit, nil
}

func (s *Service) payExternal(ctx context.Context, debit ledger.Payment,
	paymentRequest string, amountMsat int64) (ledger.Payment, error) {

	feeReserve := FeeReserve(amountMsat)
	serviceFee := s.serviceFee(amountMsat, debit.WalletID)

	// keyed by payment hash so the watcher can query the node for the
	// outcome later; a concurrent pay of the same invoice collides here
	debit.CheckingID = debit.PaymentHash
	debit.FeeMsat = -(feeReserve + serviceFee)

	pending, err := ledger.InsertPendingDebit(s.DB, debit)
	if err != nil {
		return ledger.Payment{}, err
	}

	payCtx, cancel := context.WithTimeout(ctx, payTimeout)
	defer cancel()

	result, err := s.Source.PayInvoice(payCtx, paymentRequest, feeReserve)
	switch {
	case err == nil:
		return s.finalizePay(pending, result, serviceFee)

	case errors.Is(err, funding.ErrRejected) || errors.Is(err, funding.ErrFailed):
		// terminal, release the held balance
		if delErr := ledger.DeletePending(s.DB, pending.CheckingID); delErr != nil {
			log.WithError(delErr).
				WithField("checkingId", pending.CheckingID).
				Error("Could not delete rejected debit")
		}
		metrics.PaymentsFailed.Inc()
		return ledger.Payment{}, err

	default:
		// outcome unknown, the debit stays pending for the watcher
		log.WithError(err).
			WithField("checkingId", pending.CheckingID).
			Warn("Pay outcome unknown, leaving debit pending")
		return pending, errors.Wrap(funding.ErrUnreachable, err.Error())
	}
}

func (s *Service) finalizePay(pending ledger.Payment,
	result funding.PaymentResult, serviceFee int64) (ledger.Payment, error) {

	settled, err := ledger.FinalizeExternalDebit(s.DB, pending.CheckingID,
		result.CheckingID, result.FeeMsat+serviceFee, result.Preimage)
	if err != nil {
		return ledger.Payment{}, err
	}

	if serviceFee > 0 {
		if _, err := ledger.CreditServiceFee(s.DB, s.Fees.WalletID,
			serviceFee, settled); err != nil {
			// the debit already booked the fee, so this must not be lost
			log.WithError(err).
				WithField("checkingId", settled.CheckingID).
				Error("Could not credit service fee wallet")
		}
	}

	metrics.PaymentsSettled.WithLabelValues("out").Inc()
	s.Bus.Publish(settled)

	log.WithField("checkingId", settled.CheckingID).
		WithField("amountMsat", settled.AmountMsat).
		WithField("feeMsat", settled.FeeMsat).
		Info("Paid invoice")
	return settled, nil
}

// SettleIncoming flips a pending credit to success and publishes the
// event. Safe to call repeatedly for the same row.
func (s *Service) SettleIncoming(checkingID, preimage string) (ledger.Payment, error) {
	settled, changed, err := ledger.Settle(s.DB, checkingID, preimage)
	if err != nil {
		return ledger.Payment{}, err
	}
	if !changed {
		return settled, nil
	}

	metrics.PaymentsSettled.WithLabelValues("in").Inc()
	s.Bus.Publish(settled)

	log.WithField("walletId", settled.WalletID).
		WithField("amountMsat", settled.AmountMsat).
		Info("Settled incoming payment")
	return settled, nil
}

// ResolvePendingDebit asks the funding source what became of a pending
// debit and finalizes the row accordingly. Unknown outcomes leave the row
// untouched.
func (s *Service) ResolvePendingDebit(ctx context.Context, pending ledger.Payment) error {
	status, err := s.Source.PaymentStatus(ctx, pending.CheckingID)
	if err != nil {
		return errors.Wrapf(err, "could not get status of %s", pending.CheckingID)
	}

	switch {
	case status.Paid:
		fee := int64(0)
		if status.FeeMsat != nil {
			fee = *status.FeeMsat
		}
		serviceFee := s.serviceFee(-pending.AmountMsat, pending.WalletID)
		settled, err := ledger.FinalizeExternalDebit(s.DB, pending.CheckingID,
			pending.CheckingID, fee+serviceFee, status.Preimage)
		if err != nil {
			return err
		}
		if serviceFee > 0 {
			if _, err := ledger.CreditServiceFee(s.DB, s.Fees.WalletID,
				serviceFee, settled); err != nil {
				log.WithError(err).Error("Could not credit service fee wallet")
			}
		}
		metrics.PaymentsSettled.WithLabelValues("out").Inc()
		s.Bus.Publish(settled)
		return nil

	case status.Failed:
		metrics.PaymentsFailed.Inc()
		return ledger.DeletePending(s.DB, pending.CheckingID)

	default:
		return nil
	}
}

// FeeReserve is the routing fee budget held alongside a debit: one percent
// of the amount, floored at one satoshi
func FeeReserve(amountMsat int64) int64 {
	reserve := amountMsat / 100
	if reserve < 1000 {
		reserve = 1000
	}
	return reserve
}

func (s *Service) serviceFee(amountMsat int64, payerWalletID string) int64 {
	if s.Fees.Percent <= 0 || s.Fees.WalletID == "" {
		return 0
	}
	// the fee wallet pays no fees to itself
	if payerWalletID == s.Fees.WalletID {
		return 0
	}
	return int64(float64(amountMsat) * s.Fees.Percent / 100)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	trimmed := strings.TrimRight(s, "\n")
	return &trimmed
}

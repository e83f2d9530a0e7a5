package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/db"
)

const (
	internalPrefix   = "internal_"
	serviceFeePrefix = "service_fee_"

	selectFromPayments = `SELECT checking_id, wallet_id, payment_hash,
		amount_msat, fee_msat, memo, preimage, bolt11, expiry, status, extra,
		webhook_url, webhook_status, created_at, updated_at`

	paymentsReturning = ` RETURNING checking_id, wallet_id, payment_hash,
		amount_msat, fee_msat, memo, preimage, bolt11, expiry, status, extra,
		webhook_url, webhook_status, created_at, updated_at`
)

// NewInternalID makes a synthetic checking id for an internal transfer
func NewInternalID() string { return internalPrefix + uuid.NewString() }

// Insert persists the supplied row. Unique index violations map to
// ErrDuplicatePayment.
func Insert(d db.Inserter, p Payment) (Payment, error) {
	if p.AmountMsat == 0 {
		return Payment{}, errors.New("cannot insert zero amount ledger row")
	}
	if p.Status == "" {
		p.Status = Pending
	}
	if p.Extra == nil {
		p.Extra = Extra{}
	}

	query := `INSERT INTO apipayments
		(checking_id, wallet_id, payment_hash, amount_msat, fee_msat, memo,
		 preimage, bolt11, expiry, status, extra, webhook_url)
		VALUES
		(:checking_id, :wallet_id, :payment_hash, :amount_msat, :fee_msat, :memo,
		 :preimage, :bolt11, :expiry, :status, :extra, :webhook_url)` +
		paymentsReturning

	rows, err := d.NamedQuery(query, p)
	if err != nil {
		return Payment{}, wrapConstraint(err, "could not insert ledger row")
	}
	defer func() { _ = rows.Close() }()

	var inserted Payment
	if !rows.Next() {
		return Payment{}, errors.New("no rows returned when inserting ledger row")
	}
	if err := rows.StructScan(&inserted); err != nil {
		return Payment{}, errors.Wrap(err, "could not scan inserted ledger row")
	}

	return inserted, nil
}

// InsertPendingDebit applies the balance gate and inserts the debit in one
// transaction, serialized per wallet with a row lock. AmountMsat must be
// negative and FeeMsat holds the reserved fees (non-positive). This is the
// only overdraft-safe order: gate, insert, then talk to the node.
func InsertPendingDebit(d *db.DB, p Payment) (Payment, error) {
	if p.AmountMsat >= 0 {
		return Payment{}, errors.New("debit rows must have negative amounts")
	}
	if p.FeeMsat > 0 {
		return Payment{}, errors.New("debit rows must have non-positive fees")
	}
	p.Status = Pending

	tx := d.MustBegin()

	// serialize concurrent pays from the same wallet
	var walletID string
	if err := tx.Get(&walletID,
		`SELECT id FROM wallets WHERE id = $1 FOR UPDATE`, p.WalletID); err != nil {
		_ = tx.Rollback()
		return Payment{}, errors.Wrapf(err, "could not lock wallet %s", p.WalletID)
	}

	var balance int64
	if err := tx.Get(&balance,
		`SELECT COALESCE(sum(amount_msat + fee_msat), 0) FROM apipayments
		 WHERE wallet_id = $1
		 AND (status = 'success' OR (status = 'pending' AND amount_msat < 0))`,
		p.WalletID); err != nil {
		_ = tx.Rollback()
		return Payment{}, errors.Wrap(err, "could not compute balance")
	}

	if balance+p.AmountMsat+p.FeeMsat < 0 {
		_ = tx.Rollback()
		return Payment{}, errors.Wrapf(ErrInsufficientBalance,
			"balance %d msat, debit %d msat plus %d msat fee reserve",
			balance, -p.AmountMsat, -p.FeeMsat)
	}

	inserted, err := Insert(tx, p)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return Payment{}, errors.Wrap(err, "could not commit pending debit")
	}

	log.WithField("checkingId", inserted.CheckingID).
		WithField("amountMsat", inserted.AmountMsat).
		Debug("Inserted pending debit")
	return inserted, nil
}

// Settle transitions a pending row to success, storing the preimage. It is
// idempotent: settling an already settled row returns the row unchanged
// with settled=false.
func Settle(d *db.DB, checkingID string, preimage string) (Payment, bool, error) {
	query := `UPDATE apipayments
		SET status = 'success', preimage = $2, updated_at = now()
		WHERE checking_id = $1 AND status = 'pending'` + paymentsReturning

	var settled Payment
	err := d.Get(&settled, query, checkingID, preimage)
	if err == sql.ErrNoRows {
		// not pending: either already terminal or unknown
		existing, getErr := GetByCheckingID(d, checkingID)
		if getErr != nil {
			return Payment{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Payment{}, false, wrapConstraint(err, "could not settle ledger row")
	}

	log.WithField("checkingId", checkingID).Info("Settled payment")
	return settled, true, nil
}

// FinalizeExternalDebit settles a pending debit after the node acked the
// pay, rewriting the checking id (temporary ids become the node's), the
// actual fee and the preimage.
func FinalizeExternalDebit(d *db.DB, checkingID, newCheckingID string,
	feeMsat int64, preimage string) (Payment, error) {

	if feeMsat > 0 {
		feeMsat = -feeMsat
	}

	query := `UPDATE apipayments
		SET status = 'success', checking_id = $2, fee_msat = $3, preimage = $4,
		    updated_at = now()
		WHERE checking_id = $1 AND status = 'pending'` + paymentsReturning

	var settled Payment
	err := d.Get(&settled, query, checkingID, newCheckingID, feeMsat, preimage)
	if err == sql.ErrNoRows {
		return Payment{}, errors.Wrapf(ErrPaymentNotFound,
			"no pending debit with checking id %s", checkingID)
	}
	if err != nil {
		return Payment{}, wrapConstraint(err, "could not finalize debit")
	}

	log.WithField("checkingId", settled.CheckingID).
		WithField("feeMsat", settled.FeeMsat).
		Info("Finalized external debit")
	return settled, nil
}

// Fail transitions a pending row to failed
func Fail(d *db.DB, checkingID string) (Payment, error) {
	query := `UPDATE apipayments
		SET status = 'failed', updated_at = now()
		WHERE checking_id = $1 AND status = 'pending'` + paymentsReturning

	var failed Payment
	err := d.Get(&failed, query, checkingID)
	if err == sql.ErrNoRows {
		return Payment{}, errors.Wrapf(ErrPaymentNotFound,
			"no pending row with checking id %s", checkingID)
	}
	if err != nil {
		return Payment{}, errors.Wrap(err, "could not fail ledger row")
	}
	return failed, nil
}

// DeletePending removes a pending row. Used for debits the node rejected,
// so they stop blocking the balance.
func DeletePending(d *db.DB, checkingID string) error {
	result, err := d.Exec(
		`DELETE FROM apipayments WHERE checking_id = $1 AND status = 'pending'`,
		checkingID)
	if err != nil {
		return errors.Wrapf(err, "could not delete pending row %s", checkingID)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Wrapf(ErrPaymentNotFound,
			"no pending row with checking id %s", checkingID)
	}
	return nil
}

// SettleInternal performs the two-row atomic swap of an internal transfer:
// a fresh success debit on the sender and the matching pending credit
// flipped to success, both linked by the same nonce. No fees on either row.
func SettleInternal(d *db.DB, debit Payment, creditCheckingID string,
	preimage string) (Payment, Payment, error) {

	internalID := NewInternalID()
	debit.CheckingID = internalID
	debit.Status = Success
	debit.FeeMsat = 0
	pre := preimage
	debit.Preimage = &pre

	tx := d.MustBegin()

	var walletID string
	if err := tx.Get(&walletID,
		`SELECT id FROM wallets WHERE id = $1 FOR UPDATE`, debit.WalletID); err != nil {
		_ = tx.Rollback()
		return Payment{}, Payment{}, errors.Wrapf(err, "could not lock wallet %s", debit.WalletID)
	}

	var balance int64
	if err := tx.Get(&balance,
		`SELECT COALESCE(sum(amount_msat + fee_msat), 0) FROM apipayments
		 WHERE wallet_id = $1
		 AND (status = 'success' OR (status = 'pending' AND amount_msat < 0))`,
		debit.WalletID); err != nil {
		_ = tx.Rollback()
		return Payment{}, Payment{}, errors.Wrap(err, "could not compute balance")
	}
	if balance+debit.AmountMsat < 0 {
		_ = tx.Rollback()
		return Payment{}, Payment{}, errors.Wrapf(ErrInsufficientBalance,
			"balance %d msat, transfer %d msat", balance, -debit.AmountMsat)
	}

	insertedDebit, err := Insert(tx, debit)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, Payment{}, err
	}

	// the credit keeps the nonce with a direction marker, since checking
	// ids are primary keys
	query := `UPDATE apipayments
		SET status = 'success', checking_id = $2, preimage = $3, updated_at = now()
		WHERE checking_id = $1 AND status = 'pending' AND amount_msat > 0` +
		paymentsReturning

	var credit Payment
	err = tx.Get(&credit, query, creditCheckingID, internalID+"_in", preimage)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return Payment{}, Payment{}, errors.Wrapf(ErrPaymentNotFound,
			"no pending credit with checking id %s", creditCheckingID)
	}
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, Payment{}, wrapConstraint(err, "could not settle internal credit")
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return Payment{}, Payment{}, errors.Wrap(err, "could not commit internal transfer")
	}

	log.WithField("checkingId", internalID).
		WithField("amountMsat", credit.AmountMsat).
		Info("Settled internal transfer")
	return insertedDebit, credit, nil
}

// CreditServiceFee inserts the settled service-fee credit for an external
// pay. The row is ledger-internal: it never touches the funding source.
func CreditServiceFee(d *db.DB, feeWalletID string, amountMsat int64,
	source Payment) (Payment, error) {

	fee := Payment{
		CheckingID:  serviceFeePrefix + uuid.NewString(),
		WalletID:    feeWalletID,
		PaymentHash: source.PaymentHash,
		AmountMsat:  amountMsat,
		Status:      Success,
		Extra: Extra{
			"tag":                "service_fee",
			"source_checking_id": source.CheckingID,
		},
	}
	return Insert(d, fee)
}

// GetByCheckingID selects a single row by primary key
func GetByCheckingID(d db.Getter, checkingID string) (Payment, error) {
	query := fmt.Sprintf(`%s FROM apipayments WHERE checking_id = $1 LIMIT 1`,
		selectFromPayments)

	var payment Payment
	if err := d.Get(&payment, query, checkingID); err != nil {
		return Payment{}, errors.Wrapf(ErrPaymentNotFound, "checking id %s", checkingID)
	}
	return payment, nil
}

// GetByHash returns all rows carrying the given payment hash, newest rows
// last
func GetByHash(d db.Getter, paymentHash string) ([]Payment, error) {
	query := fmt.Sprintf(
		`%s FROM apipayments WHERE payment_hash = $1 ORDER BY created_at`,
		selectFromPayments)

	var payments []Payment
	if err := d.Select(&payments, query, paymentHash); err != nil {
		return nil, errors.Wrapf(err, "could not get rows for hash %s", paymentHash)
	}
	return payments, nil
}

// GetByWallet returns all rows of a wallet, newest first
func GetByWallet(d db.Getter, walletID string) ([]Payment, error) {
	query := fmt.Sprintf(
		`%s FROM apipayments WHERE wallet_id = $1 ORDER BY created_at DESC`,
		selectFromPayments)

	var payments []Payment
	if err := d.Select(&payments, query, walletID); err != nil {
		return nil, errors.Wrapf(err, "could not get rows for wallet %s", walletID)
	}
	return payments, nil
}

// PendingCreditsByHash returns the unexpired pending credits for a hash.
// There can be several: repeated LNURL-pay callbacks create one row each,
// and only the one whose invoice actually settled will succeed.
func PendingCreditsByHash(d db.Getter, paymentHash string) ([]Payment, error) {
	query := fmt.Sprintf(`%s FROM apipayments
		WHERE payment_hash = $1 AND status = 'pending' AND amount_msat > 0
		AND (expiry = 0 OR expiry >= $2)
		ORDER BY created_at`, selectFromPayments)

	var payments []Payment
	err := d.Select(&payments, query, paymentHash, time.Now().Unix())
	if err != nil {
		return nil, errors.Wrapf(err, "could not get pending credits for %s", paymentHash)
	}
	return payments, nil
}

// PendingOlderThan returns pending rows created before the given cutoff,
// for the watcher's reconciliation scan
func PendingOlderThan(d db.Getter, cutoff time.Time) ([]Payment, error) {
	query := fmt.Sprintf(`%s FROM apipayments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at`, selectFromPayments)

	var payments []Payment
	if err := d.Select(&payments, query, cutoff); err != nil {
		return nil, errors.Wrap(err, "could not get stale pending rows")
	}
	return payments, nil
}

// SweepExpired fails every pending credit whose expiry has passed, freeing
// the hash for future invoices. Returns how many rows were swept.
func SweepExpired(d *db.DB) (int64, error) {
	result, err := d.Exec(`UPDATE apipayments
		SET status = 'failed', updated_at = now()
		WHERE status = 'pending' AND amount_msat > 0
		AND expiry != 0 AND expiry < $1`, time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "could not sweep expired credits")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.WithField("count", rows).Info("Swept expired pending credits")
	}
	return rows, nil
}

// SetWebhookStatus records the HTTP status of the webhook delivery attempt
func SetWebhookStatus(d *db.DB, checkingID string, status int) error {
	_, err := d.Exec(`UPDATE apipayments
		SET webhook_status = $2, updated_at = now()
		WHERE checking_id = $1`, checkingID, status)
	return errors.Wrapf(err, "could not record webhook status for %s", checkingID)
}

// wrapConstraint maps Postgres unique violations on the settled index to
// ErrDuplicatePayment
func wrapConstraint(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errors.Wrap(ErrDuplicatePayment, pqErr.Constraint)
	}
	return errors.Wrap(err, msg)
}

// Package ledger is the persistent record of every credit and debit across
// all wallets. It is the only place balance invariants are enforced:
// transactions plus unique indexes, no in-memory locking.
package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/build"
)

var log = build.AddSubLogger("LDGR")

// Status is the lifecycle state of a ledger row. The only transitions are
// pending to success and pending to failed; both targets are terminal.
type Status string

const (
	Pending Status = "pending"
	Success Status = "success"
	Failed  Status = "failed"
)

// Extra is the opaque key-value bag extensions use to tag payments. The
// core stores and routes it verbatim.
type Extra map[string]interface{}

// Value implements driver.Valuer, serializing to JSONB
func (e Extra) Value() (driver.Value, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *Extra) Scan(src interface{}) error {
	if src == nil {
		*e = Extra{}
		return nil
	}
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Extra", src)
	}
	return json.Unmarshal(raw, e)
}

// Tag returns the extension tag of the payment, if any
func (e Extra) Tag() string {
	tag, _ := e["tag"].(string)
	return tag
}

// Payment is a single ledger row. Positive amounts are credits (incoming),
// negative amounts are debits (outgoing).
type Payment struct {
	// CheckingID is the primary key. For external payments it equals the
	// funding source's identifier for the invoice; internal transfers and
	// service-fee credits use synthetic ids.
	CheckingID  string `db:"checking_id" json:"checkingId"`
	WalletID    string `db:"wallet_id" json:"walletId"`
	PaymentHash string `db:"payment_hash" json:"paymentHash"`

	AmountMsat int64 `db:"amount_msat" json:"amountMsat"`
	// FeeMsat is non-positive, and zero on credit rows
	FeeMsat int64 `db:"fee_msat" json:"feeMsat"`

	Memo     *string `db:"memo" json:"memo,omitempty"`
	Preimage *string `db:"preimage" json:"preimage,omitempty"`
	Bolt11   *string `db:"bolt11" json:"bolt11,omitempty"`
	// Expiry is an absolute unix timestamp; 0 means no expiry
	Expiry int64  `db:"expiry" json:"expiry"`
	Status Status `db:"status" json:"status"`
	Extra  Extra  `db:"extra" json:"extra,omitempty"`

	WebhookURL    *string `db:"webhook_url" json:"webhookUrl,omitempty"`
	WebhookStatus *int    `db:"webhook_status" json:"webhookStatus,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Exported errors
var (
	ErrPaymentNotFound = errors.New("no such ledger row")
	// ErrDuplicatePayment is the unique settled-row index firing: a success
	// row for this (wallet, hash, direction) already exists
	ErrDuplicatePayment = errors.New("payment already settled for this wallet and hash")
	// ErrInsufficientBalance is the balance gate rejecting a debit
	ErrInsufficientBalance = errors.New("wallet balance too low")
)

// IsIn reports whether the row is a credit
func (p Payment) IsIn() bool { return p.AmountMsat > 0 }

// IsOut reports whether the row is a debit
func (p Payment) IsOut() bool { return p.AmountMsat < 0 }

// IsExpired reports whether a pending credit has passed its expiry
func (p Payment) IsExpired() bool {
	return p.Expiry != 0 && time.Unix(p.Expiry, 0).Before(time.Now())
}

// IsInternal reports whether the row was settled by ledger swap rather
// than by the funding source
func (p Payment) IsInternal() bool {
	return strings.HasPrefix(p.CheckingID, internalPrefix)
}

func (p Payment) String() string {
	fragments := []string{
		fmt.Sprintf("Payment: {CheckingID: %s", p.CheckingID),
		fmt.Sprintf("WalletID: %s", p.WalletID),
		fmt.Sprintf("PaymentHash: %s", p.PaymentHash),
		fmt.Sprintf("AmountMsat: %d", p.AmountMsat),
		fmt.Sprintf("FeeMsat: %d", p.FeeMsat),
		fmt.Sprintf("Status: %s", p.Status),
	}
	if p.Memo != nil {
		fragments = append(fragments, fmt.Sprintf("Memo: %s", *p.Memo))
	}
	if p.Preimage != nil {
		fragments = append(fragments, fmt.Sprintf("Preimage: %s", *p.Preimage))
	}
	if tag := p.Extra.Tag(); tag != "" {
		fragments = append(fragments, fmt.Sprintf("Tag: %s", tag))
	}
	fragments = append(fragments,
		fmt.Sprintf("Expiry: %d", p.Expiry),
		fmt.Sprintf("CreatedAt: %v}", p.CreatedAt),
	)
	return strings.Join(fragments, ", ")
}

// Equal compares two payments, ignoring timestamps. The returned string is
// a diff of what didn't match.
func (p Payment) Equal(other Payment) (bool, string) {
	p.CreatedAt = other.CreatedAt
	p.UpdatedAt = other.UpdatedAt

	if !reflect.DeepEqual(p, other) {
		return false, cmp.Diff(p, other)
	}
	return true, ""
}

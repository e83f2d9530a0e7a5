// Package funding defines the capability set the payments core requires from
// the upstream Lightning node, together with the error kinds every backend
// maps its failures onto. Exactly one Source is bound at process start and
// passed explicitly to the services that need it.
package funding

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrUnreachable means the node could not be reached. It is retryable:
	// ledger rows stay pending and the watcher reconciles them later.
	ErrUnreachable = errors.New("funding source unreachable")
	// ErrRejected means the node refused the operation up front. Terminal
	// for the attempt.
	ErrRejected = errors.New("funding source rejected the request")
	// ErrFailed means the node accepted the payment and then reported
	// failure. Terminal for the attempt.
	ErrFailed = errors.New("payment failed at the funding source")
)

// CreateInvoiceParams are the arguments to Source.CreateInvoice
type CreateInvoiceParams struct {
	AmountMsat int64
	Memo       string
	// DescriptionHash, when set, is embedded in the invoice instead of the
	// memo
	DescriptionHash []byte
	// Expiry in seconds
	Expiry int64
}

// InvoiceResult is what a backend returns for a created invoice
type InvoiceResult struct {
	// CheckingID is the backend's identifier for the invoice. It becomes
	// the ledger's primary key for the credit row.
	CheckingID     string
	PaymentRequest string
	// PaymentHash is hex encoded
	PaymentHash string
}

// PaymentResult is what a backend returns for a settled outgoing payment
type PaymentResult struct {
	CheckingID string
	// FeeMsat is the routing fee the node actually paid, non-negative
	FeeMsat int64
	// Preimage is hex encoded
	Preimage    string
	PaymentHash string
}

// InvoiceStatus reports settlement of an incoming payment
type InvoiceStatus struct {
	Paid bool
	// Preimage is hex encoded, set when paid
	Preimage string
}

// PaymentStatus reports the state of an outgoing payment
type PaymentStatus struct {
	Paid    bool
	Failed  bool
	Pending bool
	// FeeMsat is nil when the backend can't report the fee yet
	FeeMsat  *int64
	Preimage string
}

// Source is the narrow capability set the core depends on. Backends map
// their failures to ErrUnreachable, ErrRejected or ErrFailed (wrapped is
// fine); anything else is treated as unreachable by callers.
type Source interface {
	// Name identifies the backend in logs
	Name() string

	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (InvoiceResult, error)
	PayInvoice(ctx context.Context, bolt11 string, maxFeeMsat int64) (PaymentResult, error)
	InvoiceStatus(ctx context.Context, checkingID string) (InvoiceStatus, error)
	PaymentStatus(ctx context.Context, checkingID string) (PaymentStatus, error)

	// PaidInvoices returns a stream of hex payment hashes for invoices the
	// node reports as settled. The channel is closed when the stream ends;
	// callers reconnect with backoff.
	PaidInvoices(ctx context.Context) (<-chan string, error)

	// Balance is the node's msat balance
	Balance(ctx context.Context) (int64, error)
}

// Package fundingtest has a scriptable funding source for service and
// watcher tests
package fundingtest

import (
	"context"
	"encoding/hex"
	"sync"

	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/testutil/paytest"
)

// Mock is a funding source whose behavior tests control per call. The
// zero value creates invoices and settles every pay with no fee.
type Mock struct {
	mu sync.Mutex

	// PayErr, when set, is returned from PayInvoice
	PayErr error
	// PayFeeMsat is reported as the routing fee of successful pays
	PayFeeMsat int64
	// CreateErr, when set, is returned from CreateInvoice
	CreateErr error

	// InvoiceStates maps checking ids to what InvoiceStatus reports
	InvoiceStates map[string]funding.InvoiceStatus
	// PaymentStates maps checking ids to what PaymentStatus reports
	PaymentStates map[string]funding.PaymentStatus

	// Paid receives payment hashes to push down the PaidInvoices stream
	Paid chan string

	payCalls    int
	createCalls int
}

var _ funding.Source = &Mock{}

// New returns a Mock with its maps and stream initialized
func New() *Mock {
	return &Mock{
		InvoiceStates: make(map[string]funding.InvoiceStatus),
		PaymentStates: make(map[string]funding.PaymentStatus),
		Paid:          make(chan string, 16),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreateInvoice(_ context.Context, params funding.CreateInvoiceParams) (
	funding.InvoiceResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++

	if m.CreateErr != nil {
		return funding.InvoiceResult{}, m.CreateErr
	}

	preimage := paytest.MockPreimage()
	hash := paytest.MockHash(preimage)
	hashHex := hex.EncodeToString(hash)

	payReq := paytest.MockPaymentRequest(params.AmountMsat,
		paytest.WithMemo(params.Memo),
		paytest.WithPaymentHash(hash))

	if m.InvoiceStates != nil {
		m.InvoiceStates[hashHex] = funding.InvoiceStatus{}
	}

	return funding.InvoiceResult{
		CheckingID:     hashHex,
		PaymentRequest: payReq,
		PaymentHash:    hashHex,
	}, nil
}

func (m *Mock) PayInvoice(_ context.Context, _ string, _ int64) (
	funding.PaymentResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.payCalls++

	if m.PayErr != nil {
		return funding.PaymentResult{}, m.PayErr
	}

	preimage := paytest.MockPreimage()
	hash := paytest.MockHash(preimage)
	return funding.PaymentResult{
		CheckingID:  hex.EncodeToString(hash),
		FeeMsat:     m.PayFeeMsat,
		Preimage:    hex.EncodeToString(preimage),
		PaymentHash: hex.EncodeToString(hash),
	}, nil
}

func (m *Mock) InvoiceStatus(_ context.Context, checkingID string) (
	funding.InvoiceStatus, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InvoiceStates[checkingID], nil
}

func (m *Mock) PaymentStatus(_ context.Context, checkingID string) (
	funding.PaymentStatus, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PaymentStates[checkingID], nil
}

func (m *Mock) PaidInvoices(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case hash, ok := <-m.Paid:
				if !ok {
					return
				}
				select {
				case out <- hash:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Mock) Balance(context.Context) (int64, error) {
	return 21_000_000, nil
}

// SettleInvoice marks the invoice as paid and pushes it down the stream
func (m *Mock) SettleInvoice(checkingID, preimage string) {
	m.mu.Lock()
	m.InvoiceStates[checkingID] = funding.InvoiceStatus{
		Paid:     true,
		Preimage: preimage,
	}
	m.mu.Unlock()
	m.Paid <- checkingID
}

// PayCalls reports how many times PayInvoice was called
func (m *Mock) PayCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payCalls
}

// CreateCalls reports how many times CreateInvoice was called
func (m *Mock) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

package funding

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
)

// voidKeyBytes is a throwaway key. Void invoices are only ever consumed by
// our own decoder, which doesn't verify signatures.
var voidKeyBytes, _ = hex.DecodeString(
	"cb4dae7e48e8b1cbeb82f9c52e23a5e2d61a3a82f3bb61961c7d453e1352d146")

// Void is the in-memory funding source used by tests and offline admin
// paths. It issues real, decodable regtest invoices, always rejects pays and
// never reports settlements.
type Void struct {
	mtx      sync.Mutex
	invoices map[string]voidInvoice // keyed by checking id (= payment hash)
}

type voidInvoice struct {
	preimage string
	paid     bool
}

var _ Source = &Void{}

// NewVoid creates an empty Void backend
func NewVoid() *Void {
	return &Void{invoices: make(map[string]voidInvoice)}
}

func (v *Void) Name() string { return "void" }

func (v *Void) CreateInvoice(_ context.Context, params CreateInvoiceParams) (
	InvoiceResult, error) {

	if params.AmountMsat <= 0 {
		return InvoiceResult{}, errors.Wrap(ErrRejected, "amount must be positive")
	}

	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return InvoiceResult{}, err
	}
	paymentHash := sha256.Sum256(preimage[:])

	options := []func(*zpay32.Invoice){
		zpay32.Amount(lnwire.MilliSatoshi(params.AmountMsat)),
	}
	if len(params.DescriptionHash) == 32 {
		var descHash [32]byte
		copy(descHash[:], params.DescriptionHash)
		options = append(options, zpay32.DescriptionHash(descHash))
	} else {
		options = append(options, zpay32.Description(params.Memo))
	}
	if params.Expiry > 0 {
		options = append(options,
			zpay32.Expiry(time.Duration(params.Expiry)*time.Second))
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, paymentHash, time.Now(), options...)
	if err != nil {
		return InvoiceResult{}, errors.Wrap(err, "could not build invoice")
	}

	privKey, _ := btcec.PrivKeyFromBytes(voidKeyBytes)
	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(privKey, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return InvoiceResult{}, errors.Wrap(err, "could not encode invoice")
	}

	hashHex := hex.EncodeToString(paymentHash[:])

	v.mtx.Lock()
	v.invoices[hashHex] = voidInvoice{preimage: hex.EncodeToString(preimage[:])}
	v.mtx.Unlock()

	return InvoiceResult{
		CheckingID:     hashHex,
		PaymentRequest: payReq,
		PaymentHash:    hashHex,
	}, nil
}

func (v *Void) PayInvoice(context.Context, string, int64) (PaymentResult, error) {
	return PaymentResult{}, errors.Wrap(ErrRejected, "void backend cannot pay invoices")
}

func (v *Void) InvoiceStatus(_ context.Context, checkingID string) (InvoiceStatus, error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	invoice, ok := v.invoices[checkingID]
	if !ok {
		return InvoiceStatus{}, nil
	}
	status := InvoiceStatus{Paid: invoice.paid}
	if invoice.paid {
		status.Preimage = invoice.preimage
	}
	return status, nil
}

func (v *Void) PaymentStatus(context.Context, string) (PaymentStatus, error) {
	// the void backend never pays, so nothing is ever in flight
	return PaymentStatus{Failed: true}, nil
}

func (v *Void) PaidInvoices(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (v *Void) Balance(context.Context) (int64, error) {
	return 0, nil
}

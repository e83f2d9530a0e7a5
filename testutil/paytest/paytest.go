// Package paytest generates real, decodable payment requests for tests
package paytest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// these variables are used for generating payment requests
var (
	testPrivKeyBytes, _ = hex.DecodeString(
		"e126f68f7eafcc8b74f54d269fe206be715000f94dac067d1c04a8ca3b2db734")
	testPrivKey, _ = btcec.PrivKeyFromBytes(testPrivKeyBytes)
	messageSigner  = zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			sig, err := ecdsa.SignCompact(testPrivKey, chainhash.HashB(msg), true)
			if err != nil {
				return nil, fmt.Errorf("can't sign the message: %v", err)
			}
			return sig, nil
		},
	}
)

// MockPreimage will create a random preimage
func MockPreimage() []byte {
	p := make([]byte, 32)
	_, _ = rand.Read(p)
	return p
}

// MockHash mocks a hashed preimage
func MockHash(preimage []byte) []byte {
	h := sha256.Sum256(preimage)
	return h[:]
}

// Option tweaks a generated invoice
type Option func(*invoiceParams)

type invoiceParams struct {
	memo            string
	descriptionHash []byte
	expiry          time.Duration
	timestamp       time.Time
	paymentHash     []byte
	net             *chaincfg.Params
}

// WithMemo sets the invoice description
func WithMemo(memo string) Option {
	return func(p *invoiceParams) { p.memo = memo }
}

// WithDescriptionHash replaces the memo with a description hash
func WithDescriptionHash(hash []byte) Option {
	return func(p *invoiceParams) { p.descriptionHash = hash }
}

// WithExpiry sets the invoice expiry
func WithExpiry(expiry time.Duration) Option {
	return func(p *invoiceParams) { p.expiry = expiry }
}

// WithTimestamp sets the invoice creation time, letting tests build
// invoices that are already expired
func WithTimestamp(ts time.Time) Option {
	return func(p *invoiceParams) { p.timestamp = ts }
}

// WithPaymentHash pins the payment hash instead of generating one
func WithPaymentHash(hash []byte) Option {
	return func(p *invoiceParams) { p.paymentHash = hash }
}

// WithNetwork sets the invoice network, regtest by default
func WithNetwork(net *chaincfg.Params) Option {
	return func(p *invoiceParams) { p.net = net }
}

// MockPaymentRequest encodes a valid regtest payment request over the
// given amount. Zero amountMsat produces an amountless invoice.
func MockPaymentRequest(amountMsat int64, options ...Option) string {
	params := invoiceParams{
		memo:      "mock invoice",
		timestamp: time.Now(),
		net:       &chaincfg.RegressionNetParams,
	}
	for _, option := range options {
		option(&params)
	}

	paymentHash := params.paymentHash
	if paymentHash == nil {
		paymentHash = MockHash(MockPreimage())
	}
	var hash [32]byte
	copy(hash[:], paymentHash)

	var zpayOptions []func(*zpay32.Invoice)
	if amountMsat > 0 {
		zpayOptions = append(zpayOptions,
			zpay32.Amount(lnwire.MilliSatoshi(amountMsat)))
	}
	if len(params.descriptionHash) == 32 {
		var descHash [32]byte
		copy(descHash[:], params.descriptionHash)
		zpayOptions = append(zpayOptions, zpay32.DescriptionHash(descHash))
	} else {
		zpayOptions = append(zpayOptions, zpay32.Description(params.memo))
	}
	if params.expiry > 0 {
		zpayOptions = append(zpayOptions, zpay32.Expiry(params.expiry))
	}

	invoice, err := zpay32.NewInvoice(params.net, hash, params.timestamp,
		zpayOptions...)
	if err != nil {
		panic(fmt.Sprintf("could not create mock invoice: %v", err))
	}

	payReq, err := invoice.Encode(messageSigner)
	if err != nil {
		panic(fmt.Sprintf("could not encode mock invoice: %v", err))
	}
	return payReq
}

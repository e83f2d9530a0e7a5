// Package bolt11 decodes BOLT-11 payment requests. It is pure: no I/O, no
// signature verification (the funding source re-validates invoices when
// paying).
package bolt11

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	// DefaultExpiry is used when an invoice carries no `x` tag
	DefaultExpiry int64 = 3600
	// DefaultMinFinalCLTVExpiry is used when an invoice carries no `c` tag
	DefaultMinFinalCLTVExpiry uint64 = 18

	// msatPerBtc is the number of millisatoshis in one bitcoin
	msatPerBtc int64 = 100_000_000_000

	timestampGroups = 7
	signatureGroups = 104
	hashGroups      = 52
	pubkeyGroups    = 53
)

// Invoice is a decoded payment request
type Invoice struct {
	// Currency is the invoice prefix without the leading "ln", e.g. "bc"
	Currency string
	// AmountMsat is 0 for amountless invoices
	AmountMsat int64
	Timestamp  time.Time

	// PaymentHash is the hex encoded 32 byte payment hash
	PaymentHash string
	// PaymentSecret is the hex encoded 32 byte `s` tag, if present
	PaymentSecret   string
	Description     string
	DescriptionHash string
	// Payee is the hex encoded 33 byte pubkey from the `n` tag, if present
	Payee string

	// Expiry is in seconds from Timestamp
	Expiry             int64
	MinFinalCLTVExpiry uint64

	// RouteHints are the decoded `r` tags, outermost slice per tag
	RouteHints [][]HopHint
	// Fallback is the raw `f` tag: one version group followed by the
	// converted address bytes
	Fallback []byte
}

// ExpiresAt is the absolute expiry time of the invoice
func (inv Invoice) ExpiresAt() time.Time {
	return inv.Timestamp.Add(time.Duration(inv.Expiry) * time.Second)
}

// IsExpired reports whether the invoice has expired
func (inv Invoice) IsExpired() bool {
	return inv.ExpiresAt().Before(time.Now())
}

// HopHint is a single hop of a routing hint
type HopHint struct {
	NodeID                    string // hex encoded 33 byte pubkey
	ChannelID                 uint64
	FeeBaseMsat               uint32
	FeeProportionalMillionths uint32
	CLTVExpiryDelta           uint16
}

// DecodeError is returned for any malformed payment request. Decode never
// returns partial results alongside it.
type DecodeError struct {
	Reason string
}

func (e DecodeError) Error() string {
	return "invalid payment request: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) error {
	return DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Decode parses the given payment request.
func Decode(payReq string) (Invoice, error) {
	if strings.ToLower(payReq) != payReq && strings.ToUpper(payReq) != payReq {
		return Invoice{}, decodeErrorf("mixed case string")
	}
	payReq = strings.ToLower(payReq)

	hrp, data, err := bech32.DecodeNoLimit(payReq)
	if err != nil {
		return Invoice{}, decodeErrorf("bech32 decode: %v", err)
	}

	if !strings.HasPrefix(hrp, "ln") {
		return Invoice{}, decodeErrorf("human readable part must start with ln, got %q", hrp)
	}

	currency, amountMsat, err := parseHrp(hrp[2:])
	if err != nil {
		return Invoice{}, err
	}

	if len(data) < timestampGroups+signatureGroups {
		return Invoice{}, decodeErrorf("data part too short: %d groups", len(data))
	}

	inv := Invoice{
		Currency:           currency,
		AmountMsat:         amountMsat,
		Timestamp:          time.Unix(int64(base32Int(data[:timestampGroups])), 0),
		Expiry:             DefaultExpiry,
		MinFinalCLTVExpiry: DefaultMinFinalCLTVExpiry,
	}

	// the trailing 104 groups hold the 65 byte recoverable signature. we
	// only check its shape, never verify it
	sig, err := bech32.ConvertBits(data[len(data)-signatureGroups:], 5, 8, false)
	if err != nil || len(sig) != 65 {
		return Invoice{}, decodeErrorf("malformed signature")
	}
	if sig[64] > 3 {
		return Invoice{}, decodeErrorf("invalid signature recovery id %d", sig[64])
	}

	if err := parseTags(&inv, data[timestampGroups:len(data)-signatureGroups]); err != nil {
		return Invoice{}, err
	}

	if inv.PaymentHash == "" {
		return Invoice{}, decodeErrorf("no payment hash")
	}

	return inv, nil
}

// parseHrp splits the part of the hrp after "ln" into the currency prefix and
// the invoice amount in millisatoshis.
func parseHrp(hrp string) (string, int64, error) {
	split := len(hrp)
	for i, r := range hrp {
		if r >= '0' && r <= '9' {
			split = i
			break
		}
	}
	currency := hrp[:split]
	if currency == "" {
		return "", 0, decodeErrorf("missing currency prefix")
	}

	amount := hrp[split:]
	if amount == "" {
		return currency, 0, nil
	}

	divisor := int64(1)
	switch amount[len(amount)-1] {
	case 'm':
		divisor = 1_000
	case 'u':
		divisor = 1_000_000
	case 'n':
		divisor = 1_000_000_000
	case 'p':
		divisor = 1_000_000_000_000
	}
	if divisor != 1 {
		amount = amount[:len(amount)-1]
	}

	units, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return "", 0, decodeErrorf("invalid amount %q", amount)
	}
	if units <= 0 {
		return "", 0, decodeErrorf("amount must be positive, got %d", units)
	}

	// units are in btc/divisor; reorder the math so pico amounts don't
	// truncate before the division
	if msatPerBtc%divisor != 0 {
		return "", 0, decodeErrorf("unsupported multiplier in %q", amount)
	}
	msatPerUnit := msatPerBtc / divisor
	if msatPerUnit == 0 {
		// pico-btc: 10 pBTC per msat
		if units%10 != 0 {
			return "", 0, decodeErrorf("amount %q is below millisatoshi precision", amount)
		}
		return currency, units / 10, nil
	}
	if units > math.MaxInt64/msatPerUnit {
		return "", 0, decodeErrorf("amount %q overflows millisatoshis", amount)
	}
	return currency, units * msatPerUnit, nil
}

func parseTags(inv *Invoice, data []byte) error {
	for len(data) > 0 {
		if len(data) < 3 {
			return decodeErrorf("truncated tagged field")
		}
		tag := data[0]
		length := int(data[1])<<5 | int(data[2])
		data = data[3:]
		if len(data) < length {
			return decodeErrorf("tagged field %d longer than remaining data", tag)
		}
		field := data[:length]
		data = data[length:]

		switch tag {
		case 1: // p: payment hash
			if inv.PaymentHash != "" {
				continue
			}
			hash, ok := exactBytes(field, hashGroups, 32)
			if !ok {
				continue
			}
			inv.PaymentHash = hex.EncodeToString(hash)
		case 16: // s: payment secret
			if secret, ok := exactBytes(field, hashGroups, 32); ok {
				inv.PaymentSecret = hex.EncodeToString(secret)
			}
		case 13: // d: description
			desc, err := bech32.ConvertBits(field, 5, 8, false)
			if err != nil {
				return decodeErrorf("invalid description: %v", err)
			}
			inv.Description = string(desc)
		case 23: // h: description hash
			if hash, ok := exactBytes(field, hashGroups, 32); ok {
				inv.DescriptionHash = hex.EncodeToString(hash)
			}
		case 6: // x: expiry
			inv.Expiry = int64(base32Int(field))
		case 24: // c: min final cltv expiry
			inv.MinFinalCLTVExpiry = base32Int(field)
		case 19: // n: payee pubkey
			if pubkey, ok := exactBytes(field, pubkeyGroups, 33); ok {
				inv.Payee = hex.EncodeToString(pubkey)
			}
		case 9: // f: fallback address, kept raw
			if len(field) < 1 {
				continue
			}
			addr, err := bech32.ConvertBits(field[1:], 5, 8, false)
			if err != nil {
				continue
			}
			inv.Fallback = append([]byte{field[0]}, addr...)
		case 3: // r: route hint
			hints, err := parseRouteHint(field)
			if err != nil {
				return err
			}
			inv.RouteHints = append(inv.RouteHints, hints)
		default:
			// feature bits (5) and unknown tags are skipped
		}
	}
	return nil
}

const hopHintBytes = 33 + 8 + 4 + 4 + 2

func parseRouteHint(field []byte) ([]HopHint, error) {
	raw, err := bech32.ConvertBits(field, 5, 8, false)
	if err != nil {
		return nil, decodeErrorf("invalid route hint: %v", err)
	}
	if len(raw)%hopHintBytes != 0 {
		return nil, decodeErrorf("route hint is %d bytes, not a multiple of %d",
			len(raw), hopHintBytes)
	}

	var hints []HopHint
	for len(raw) > 0 {
		hop := raw[:hopHintBytes]
		hints = append(hints, HopHint{
			NodeID:                    hex.EncodeToString(hop[:33]),
			ChannelID:                 bigEndianUint64(hop[33:41]),
			FeeBaseMsat:               uint32(bigEndianUint64(hop[41:45])),
			FeeProportionalMillionths: uint32(bigEndianUint64(hop[45:49])),
			CLTVExpiryDelta:           uint16(bigEndianUint64(hop[49:51])),
		})
		raw = raw[hopHintBytes:]
	}
	return hints, nil
}

// exactBytes converts a field expected to span exactly `groups` 5-bit groups
// into `size` bytes. Per BOLT-11, readers skip fields with unexpected lengths.
func exactBytes(field []byte, groups, size int) ([]byte, bool) {
	if len(field) != groups {
		return nil, false
	}
	converted, err := bech32.ConvertBits(field, 5, 8, true)
	if err != nil || len(converted) < size {
		return nil, false
	}
	return converted[:size], true
}

func base32Int(field []byte) uint64 {
	var total uint64
	for _, group := range field {
		total = total<<5 | uint64(group)
	}
	return total
}

func bigEndianUint64(b []byte) uint64 {
	var total uint64
	for _, octet := range b {
		total = total<<8 | uint64(octet)
	}
	return total
}

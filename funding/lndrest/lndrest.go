// Package lndrest implements the funding source port against lnd's REST
// proxy. It exists for deployments where the gRPC port is not exposed.
package lndrest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/funding"
)

var log = build.AddSubLogger("LNDR")

// Config holds the connection options for the REST proxy
type Config struct {
	// Endpoint is the base URL, e.g. https://localhost:8080
	Endpoint     string
	MacaroonPath string
	// TLSCertPath is lnd's self-signed cert. Empty means the system pool.
	TLSCertPath string
}

// Source talks to one lnd REST proxy. Checking ids are hex payment hashes.
type Source struct {
	endpoint string
	macaroon string
	client   *http.Client
}

var _ funding.Source = &Source{}

// Connect builds the client and verifies it against /v1/getinfo
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	macaroonBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read macaroon file")
	}

	transport := &http.Transport{}
	if cfg.TLSCertPath != "" {
		certBytes, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read tls cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(certBytes) {
			return nil, errors.New("tls cert is not valid PEM")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	source := &Source{
		endpoint: cfg.Endpoint,
		macaroon: hex.EncodeToString(macaroonBytes),
		client:   &http.Client{Transport: transport},
	}

	var info struct {
		Alias string `json:"alias"`
	}
	if err := source.call(ctx, http.MethodGet, "/v1/getinfo", nil, &info); err != nil {
		return nil, errors.Wrap(err, "lnd getinfo failed")
	}
	log.WithField("alias", info.Alias).Info("Opened connection to lnd REST proxy")

	return source, nil
}

func (s *Source) Name() string { return "lndrest" }

func (s *Source) CreateInvoice(ctx context.Context,
	params funding.CreateInvoiceParams) (funding.InvoiceResult, error) {

	body := map[string]interface{}{
		"value_msat": strconv.FormatInt(params.AmountMsat, 10),
		"expiry":     strconv.FormatInt(params.Expiry, 10),
	}
	if len(params.DescriptionHash) == 32 {
		body["description_hash"] = base64.StdEncoding.EncodeToString(params.DescriptionHash)
	} else {
		body["memo"] = params.Memo
	}

	var resp struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := s.call(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return funding.InvoiceResult{}, err
	}

	hash, err := base64ToHex(resp.RHash)
	if err != nil {
		return funding.InvoiceResult{}, errors.Wrap(err, "bad r_hash in response")
	}
	return funding.InvoiceResult{
		CheckingID:     hash,
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hash,
	}, nil
}

func (s *Source) PayInvoice(ctx context.Context, bolt11 string,
	maxFeeMsat int64) (funding.PaymentResult, error) {

	body := map[string]interface{}{
		"payment_request": bolt11,
		"fee_limit": map[string]interface{}{
			"fixed_msat": strconv.FormatInt(maxFeeMsat, 10),
		},
	}

	var resp struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentHash     string `json:"payment_hash"`
		PaymentRoute    *struct {
			TotalFeesMsat string `json:"total_fees_msat"`
		} `json:"payment_route"`
	}
	err := s.call(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp)
	if err != nil {
		return funding.PaymentResult{}, err
	}
	if resp.PaymentError != "" {
		return funding.PaymentResult{},
			errors.Wrap(funding.ErrFailed, resp.PaymentError)
	}

	hash, err := base64ToHex(resp.PaymentHash)
	if err != nil {
		return funding.PaymentResult{}, errors.Wrap(err, "bad payment_hash in response")
	}
	preimage, err := base64ToHex(resp.PaymentPreimage)
	if err != nil {
		return funding.PaymentResult{}, errors.Wrap(err, "bad preimage in response")
	}

	var feeMsat int64
	if resp.PaymentRoute != nil {
		feeMsat, _ = strconv.ParseInt(resp.PaymentRoute.TotalFeesMsat, 10, 64)
	}
	return funding.PaymentResult{
		CheckingID:  hash,
		FeeMsat:     feeMsat,
		Preimage:    preimage,
		PaymentHash: hash,
	}, nil
}

func (s *Source) InvoiceStatus(ctx context.Context, checkingID string) (
	funding.InvoiceStatus, error) {

	var resp struct {
		State     string `json:"state"`
		RPreimage string `json:"r_preimage"`
	}
	err := s.call(ctx, http.MethodGet, "/v1/invoice/"+url.PathEscape(checkingID),
		nil, &resp)
	if err != nil {
		return funding.InvoiceStatus{}, err
	}

	if resp.State != "SETTLED" {
		return funding.InvoiceStatus{}, nil
	}
	preimage, err := base64ToHex(resp.RPreimage)
	if err != nil {
		return funding.InvoiceStatus{}, errors.Wrap(err, "bad preimage in response")
	}
	return funding.InvoiceStatus{Paid: true, Preimage: preimage}, nil
}

func (s *Source) PaymentStatus(ctx context.Context, checkingID string) (
	funding.PaymentStatus, error) {

	var resp struct {
		Payments []struct {
			PaymentHash     string `json:"payment_hash"`
			Status          string `json:"status"`
			FeeMsat         string `json:"fee_msat"`
			PaymentPreimage string `json:"payment_preimage"`
		} `json:"payments"`
	}
	err := s.call(ctx, http.MethodGet,
		"/v1/payments?include_incomplete=true&reversed=true", nil, &resp)
	if err != nil {
		return funding.PaymentStatus{}, err
	}

	for _, payment := range resp.Payments {
		if payment.PaymentHash != checkingID {
			continue
		}
		switch payment.Status {
		case "SUCCEEDED":
			fee, _ := strconv.ParseInt(payment.FeeMsat, 10, 64)
			return funding.PaymentStatus{
				Paid:     true,
				FeeMsat:  &fee,
				Preimage: payment.PaymentPreimage,
			}, nil
		case "FAILED":
			return funding.PaymentStatus{Failed: true}, nil
		default:
			return funding.PaymentStatus{Pending: true}, nil
		}
	}

	// lnd has never seen this payment
	return funding.PaymentStatus{Failed: true}, nil
}

// PaidInvoices streams settled invoices from /v1/invoices/subscribe, which
// the REST proxy serves as newline-separated JSON objects.
func (s *Source) PaidInvoices(ctx context.Context) (<-chan string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint+"/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-macaroon", s.macaroon)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(funding.ErrUnreachable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Wrapf(funding.ErrUnreachable,
			"invoice subscription returned %d", resp.StatusCode)
	}

	hashes := make(chan string)
	go func() {
		defer close(hashes)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var update struct {
				Result struct {
					State string `json:"state"`
					RHash string `json:"r_hash"`
				} `json:"result"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &update); err != nil {
				log.WithError(err).Warn("Could not parse invoice update")
				continue
			}
			if update.Result.State != "SETTLED" {
				continue
			}
			hash, err := base64ToHex(update.Result.RHash)
			if err != nil {
				log.WithError(err).Warn("Bad r_hash in invoice update")
				continue
			}
			select {
			case hashes <- hash:
			case <-ctx.Done():
				return
			}
		}
	}()
	return hashes, nil
}

func (s *Source) Balance(ctx context.Context) (int64, error) {
	var resp struct {
		LocalBalance struct {
			Msat string `json:"msat"`
		} `json:"local_balance"`
	}
	if err := s.call(ctx, http.MethodGet, "/v1/balance/channels", nil, &resp); err != nil {
		return 0, err
	}
	msat, _ := strconv.ParseInt(resp.LocalBalance.Msat, 10, 64)
	return msat, nil
}

// call performs one authenticated request, mapping transport failures to
// ErrUnreachable and HTTP errors to ErrRejected.
func (s *Source) call(ctx context.Context, method, path string,
	body interface{}, dest interface{}) error {

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Grpc-Metadata-macaroon", s.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(funding.ErrUnreachable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(funding.ErrUnreachable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrap(funding.ErrRejected,
			fmt.Sprintf("%s %s: %d %s", method, path, resp.StatusCode, payload))
	}

	return json.Unmarshal(payload, dest)
}

func base64ToHex(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Package lndgrpc implements the funding source port against lnd's gRPC
// interface.
package lndgrpc

import (
	"context"
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/funding"
)

var log = build.AddSubLogger("LNDG")

// Config is all the options for connecting to lnd
type Config struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCServer    string
}

// DefaultRelativeMacaroonPath extracts the macaroon path for a specific
// network
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain", "bitcoin", name, "admin.macaroon")
}

// Source talks to one lnd node. Checking ids are the hex payment hashes,
// which is what lnd keys both invoices and payments by.
type Source struct {
	lnrpc  lnrpc.LightningClient
	router routerrpc.RouterClient
}

var _ funding.Source = &Source{}

// Connect opens a gRPC connection to lnd and verifies it with GetInfo
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}
	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir,
			DefaultRelativeMacaroonPath(cfg.Network))
	}

	tlsCreds, err := credentials.NewClientTLSFromFile(
		cleanAndExpandPath(cfg.TLSCertPath), "")
	if err != nil {
		return nil, errors.Wrap(err, "cannot get node tls credentials")
	}

	macaroonBytes, err := os.ReadFile(cleanAndExpandPath(cfg.MacaroonPath))
	if err != nil {
		return nil, errors.Wrap(err, "cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal macaroon")
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create macaroon credential")
	}

	log.WithField("rpcServer", cfg.RPCServer).Info("Connecting to lnd")

	conn, err := grpc.DialContext(ctx, cfg.RPCServer,
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot dial lnd")
	}

	source := &Source{
		lnrpc:  lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}

	info, err := source.lnrpc.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(mapRPCError(err), "lnd getinfo failed")
	}
	log.WithField("alias", info.Alias).
		WithField("syncedToChain", info.SyncedToChain).
		Info("Opened connection to lnd")

	return source, nil
}

func (s *Source) Name() string { return "lndgrpc" }

func (s *Source) CreateInvoice(ctx context.Context,
	params funding.CreateInvoiceParams) (funding.InvoiceResult, error) {

	invoice := &lnrpc.Invoice{
		ValueMsat: params.AmountMsat,
		Expiry:    params.Expiry,
	}
	if len(params.DescriptionHash) == 32 {
		invoice.DescriptionHash = params.DescriptionHash
	} else {
		invoice.Memo = params.Memo
	}

	resp, err := s.lnrpc.AddInvoice(ctx, invoice)
	if err != nil {
		return funding.InvoiceResult{}, mapRPCError(err)
	}

	hash := hex.EncodeToString(resp.RHash)
	return funding.InvoiceResult{
		CheckingID:     hash,
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hash,
	}, nil
}

func (s *Source) PayInvoice(ctx context.Context, bolt11 string,
	maxFeeMsat int64) (funding.PaymentResult, error) {

	resp, err := s.lnrpc.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: bolt11,
		FeeLimit: &lnrpc.FeeLimit{
			Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: maxFeeMsat},
		},
	})
	if err != nil {
		return funding.PaymentResult{}, mapRPCError(err)
	}
	if resp.PaymentError != "" {
		return funding.PaymentResult{},
			errors.Wrap(funding.ErrFailed, resp.PaymentError)
	}

	var feeMsat int64
	if resp.PaymentRoute != nil {
		feeMsat = resp.PaymentRoute.TotalFeesMsat
	}
	hash := hex.EncodeToString(resp.PaymentHash)
	return funding.PaymentResult{
		CheckingID:  hash,
		FeeMsat:     feeMsat,
		Preimage:    hex.EncodeToString(resp.PaymentPreimage),
		PaymentHash: hash,
	}, nil
}

func (s *Source) InvoiceStatus(ctx context.Context, checkingID string) (
	funding.InvoiceStatus, error) {

	rHash, err := hex.DecodeString(checkingID)
	if err != nil {
		return funding.InvoiceStatus{}, errors.Wrapf(err,
			"invalid checking id %q", checkingID)
	}

	invoice, err := s.lnrpc.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
	if err != nil {
		return funding.InvoiceStatus{}, mapRPCError(err)
	}

	if invoice.State != lnrpc.Invoice_SETTLED {
		return funding.InvoiceStatus{}, nil
	}
	return funding.InvoiceStatus{
		Paid:     true,
		Preimage: hex.EncodeToString(invoice.RPreimage),
	}, nil
}

func (s *Source) PaymentStatus(ctx context.Context, checkingID string) (
	funding.PaymentStatus, error) {

	rHash, err := hex.DecodeString(checkingID)
	if err != nil {
		return funding.PaymentStatus{}, errors.Wrapf(err,
			"invalid checking id %q", checkingID)
	}

	stream, err := s.router.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       rHash,
		NoInflightUpdates: true,
	})
	if err != nil {
		return funding.PaymentStatus{}, mapRPCError(err)
	}

	payment, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// lnd has never seen this payment
			return funding.PaymentStatus{Failed: true}, nil
		}
		return funding.PaymentStatus{}, mapRPCError(err)
	}

	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		fee := payment.FeeMsat
		return funding.PaymentStatus{
			Paid:     true,
			FeeMsat:  &fee,
			Preimage: payment.PaymentPreimage,
		}, nil
	case lnrpc.Payment_FAILED:
		return funding.PaymentStatus{Failed: true}, nil
	default:
		return funding.PaymentStatus{Pending: true}, nil
	}
}

func (s *Source) PaidInvoices(ctx context.Context) (<-chan string, error) {
	stream, err := s.lnrpc.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, mapRPCError(err)
	}

	hashes := make(chan string)
	go func() {
		defer close(hashes)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("Invoice subscription ended")
				}
				return
			}
			if invoice.State != lnrpc.Invoice_SETTLED {
				continue
			}
			select {
			case hashes <- hex.EncodeToString(invoice.RHash):
			case <-ctx.Done():
				return
			}
		}
	}()
	return hashes, nil
}

func (s *Source) Balance(ctx context.Context) (int64, error) {
	resp, err := s.lnrpc.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, mapRPCError(err)
	}
	if resp.LocalBalance == nil {
		return 0, nil
	}
	return int64(resp.LocalBalance.Msat), nil
}

// mapRPCError translates gRPC failures into the funding error kinds
func mapRPCError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrap(funding.ErrUnreachable, err.Error())
	default:
		return errors.Wrap(funding.ErrRejected, err.Error())
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		usr, err := user.Current()
		if err == nil {
			homeDir = usr.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

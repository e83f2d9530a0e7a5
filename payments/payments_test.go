package payments_test

import (
	"context"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/models/wallets"
	"gitlab.com/voltmill/lnvault/payments"
	"gitlab.com/voltmill/lnvault/testutil"
	"gitlab.com/voltmill/lnvault/testutil/fundingtest"
	"gitlab.com/voltmill/lnvault/testutil/paytest"
	"gitlab.com/voltmill/lnvault/testutil/wallettest"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("payments")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	os.Exit(m.Run())
}

func newService(source funding.Source) *payments.Service {
	return &payments.Service{
		DB:     testDB,
		Source: source,
		Bus:    bus.New(0),
	}
}

// fund gives the wallet spendable balance
func fund(t *testing.T, walletID string, amountMsat int64) {
	t.Helper()
	preimage := paytest.MockPreimage()
	hash := hex.EncodeToString(paytest.MockHash(preimage))
	_, err := ledger.Insert(testDB, ledger.Payment{
		CheckingID:  hash,
		WalletID:    walletID,
		PaymentHash: hash,
		AmountMsat:  amountMsat,
		Status:      ledger.Success,
	})
	require.NoError(t, err)
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()

	t.Run("creates a pending credit with a decodable bolt11", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		payment, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{
				AmountMsat: 25_000,
				Memo:       "lunch",
			})
		require.NoError(t, err)

		assert.Equal(t, ledger.Pending, payment.Status)
		assert.Equal(t, int64(25_000), payment.AmountMsat)
		assert.Equal(t, "lunch", *payment.Memo)
		require.NotNil(t, payment.Bolt11)
		assert.True(t, strings.HasPrefix(*payment.Bolt11, "lnbcrt"))
		assert.Greater(t, payment.Expiry, time.Now().Unix())

		// the invoice does not move any money yet
		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		_, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{AmountMsat: 0})
		assert.ErrorIs(t, err, payments.ErrBadAmount)

		_, err = service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{AmountMsat: -5})
		assert.ErrorIs(t, err, payments.ErrBadAmount)
	})

	t.Run("rejects oversized memos", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		_, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{
				AmountMsat: 1000,
				Memo:       strings.Repeat("x", payments.MaxMemoBytes+1),
			})
		assert.ErrorIs(t, err, payments.ErrMemoTooLong)
	})

	t.Run("rejects both description hash and unhashed description", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		_, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{
				AmountMsat:          1000,
				DescriptionHash:     paytest.MockHash([]byte("a")),
				UnhashedDescription: []byte("b"),
			})
		assert.ErrorIs(t, err, payments.ErrBadDescription)
	})

	t.Run("propagates funding source failures", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		source.CreateErr = funding.ErrUnreachable
		service := newService(source)
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		_, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{AmountMsat: 1000})
		assert.ErrorIs(t, err, funding.ErrUnreachable)
	})
}

func TestPayInvoiceExternal(t *testing.T) {
	t.Parallel()

	t.Run("happy path settles the debit with the actual fee", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		source.PayFeeMsat = 300
		service := newService(source)
		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 100_000)

		payReq := paytest.MockPaymentRequest(40_000)
		payment, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		require.NoError(t, err)

		assert.Equal(t, ledger.Success, payment.Status)
		assert.Equal(t, int64(-40_000), payment.AmountMsat)
		assert.Equal(t, int64(-300), payment.FeeMsat)
		require.NotNil(t, payment.Preimage)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000-40_000-300), balance)
	})

	t.Run("rejected pays leave no trace in the ledger", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		source.PayErr = funding.ErrRejected
		service := newService(source)
		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 100_000)

		payReq := paytest.MockPaymentRequest(40_000)
		_, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		assert.ErrorIs(t, err, funding.ErrRejected)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000), balance)

		rows, err := ledger.GetByWallet(testDB, wallet.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1) // just the funding credit
	})

	t.Run("unreachable node leaves the debit pending", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		source.PayErr = funding.ErrUnreachable
		service := newService(source)
		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 100_000)

		payReq := paytest.MockPaymentRequest(40_000)
		payment, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		assert.ErrorIs(t, err, funding.ErrUnreachable)
		assert.Equal(t, ledger.Pending, payment.Status)

		// the held amount blocks further spending
		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Less(t, balance, int64(60_000))
	})

	t.Run("insufficient balance is caught before the node is called", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		service := newService(source)
		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 10_000)

		payReq := paytest.MockPaymentRequest(40_000)
		_, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Zero(t, source.PayCalls())
	})

	t.Run("amountless invoices are rejected", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		payReq := paytest.MockPaymentRequest(0)
		_, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		assert.ErrorIs(t, err, payments.ErrAmountlessInvoice)
	})

	t.Run("expired invoices are rejected", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		payReq := paytest.MockPaymentRequest(1000,
			paytest.WithTimestamp(time.Now().Add(-2*time.Hour)))
		_, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		assert.ErrorIs(t, err, payments.ErrInvoiceExpired)
	})

	t.Run("garbage is rejected as a bad payment request", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		_, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: "lnbcrt1garbage"})
		assert.ErrorIs(t, err, payments.ErrBadPaymentRequest)
	})
}

func TestConcurrentPayInvoice(t *testing.T) {
	t.Parallel()

	// five pays of 100 000 msat fit the funded balance together with
	// their 1000 msat fee reserves, the remaining three must bounce
	const (
		pays       = 8
		affordable = 5
		amountMsat = 100_000
	)
	service := newService(fundingtest.New())
	wallet := wallettest.CreateWalletOrFail(t, testDB)
	fund(t, wallet.ID, affordable*(amountMsat+1000))

	payReqs := make([]string, pays)
	for i := range payReqs {
		payReqs[i] = paytest.MockPaymentRequest(amountMsat)
	}

	errs := make([]error, pays)
	var wg sync.WaitGroup
	for i := 0; i < pays; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = service.PayInvoice(context.Background(), wallet.ID,
				payments.PayArgs{PaymentRequest: payReqs[i]})
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	assert.Equal(t, affordable, succeeded)

	// the wallet row lock serializes the racing debits, no interleaving
	// can overdraw
	balance, err := wallets.Balance(testDB, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(affordable*1000), balance)

	// every msat the wallet ever held is accounted for by its rows
	var total int64
	err = testDB.Get(&total,
		`SELECT COALESCE(sum(amount_msat + fee_msat), 0) FROM apipayments
		 WHERE wallet_id = $1 AND status = 'success'`, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, balance, total)

	var stuck int
	err = testDB.Get(&stuck,
		`SELECT count(*) FROM apipayments
		 WHERE wallet_id = $1 AND status = 'pending'`, wallet.ID)
	require.NoError(t, err)
	assert.Zero(t, stuck)
}

func TestInternalTransferConservation(t *testing.T) {
	t.Parallel()

	const initial = 200_000
	service := newService(fundingtest.New())
	alice := wallettest.CreateWalletOrFail(t, testDB)
	bob := wallettest.CreateWalletOrFail(t, testDB)
	fund(t, alice.ID, initial)

	// hammer transfers in both directions, some bounce off an empty
	// wallet and that is fine
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, dst := alice.ID, bob.ID
			if i%2 == 1 {
				src, dst = bob.ID, alice.ID
			}
			amount := int64(1_000 + 500*i)

			invoice, err := service.CreateInvoice(context.Background(), dst,
				payments.CreateInvoiceArgs{AmountMsat: amount})
			if !assert.NoError(t, err) {
				return
			}
			_, err = service.PayInvoice(context.Background(), src,
				payments.PayArgs{PaymentRequest: *invoice.Bolt11})
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			}
		}(i)
	}
	wg.Wait()

	aliceBalance, err := wallets.Balance(testDB, alice.ID)
	require.NoError(t, err)
	bobBalance, err := wallets.Balance(testDB, bob.ID)
	require.NoError(t, err)

	// transfers shuffle funds around but never create or destroy them
	assert.GreaterOrEqual(t, aliceBalance, int64(0))
	assert.GreaterOrEqual(t, bobBalance, int64(0))
	assert.Equal(t, int64(initial), aliceBalance+bobBalance)

	var moved int64
	err = testDB.Get(&moved,
		`SELECT COALESCE(sum(amount_msat + fee_msat), 0) FROM apipayments
		 WHERE wallet_id IN ($1, $2) AND status = 'success'`,
		alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(initial), moved)
}

func TestPayInvoiceInternal(t *testing.T) {
	t.Parallel()

	t.Run("invoices issued here settle without touching the node", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		service := newService(source)
		sender := wallettest.CreateWalletOrFail(t, testDB)
		receiver := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, sender.ID, 100_000)

		invoice, err := service.CreateInvoice(context.Background(), receiver.ID,
			payments.CreateInvoiceArgs{AmountMsat: 30_000, Memo: "between friends"})
		require.NoError(t, err)

		payment, err := service.PayInvoice(context.Background(), sender.ID,
			payments.PayArgs{PaymentRequest: *invoice.Bolt11})
		require.NoError(t, err)

		assert.Equal(t, ledger.Success, payment.Status)
		assert.True(t, payment.IsInternal())
		assert.Zero(t, payment.FeeMsat)
		assert.Zero(t, source.PayCalls())

		senderBalance, err := wallets.Balance(testDB, sender.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(70_000), senderBalance)

		receiverBalance, err := wallets.Balance(testDB, receiver.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(30_000), receiverBalance)

		// the receiver's credit is settled with the internal marker
		settled, err := ledger.GetByHash(testDB, invoice.PaymentHash)
		require.NoError(t, err)
		for _, row := range settled {
			assert.Equal(t, ledger.Success, row.Status)
		}
	})

	t.Run("internal transfer checks the sender's balance", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		sender := wallettest.CreateWalletOrFail(t, testDB)
		receiver := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, sender.ID, 5_000)

		invoice, err := service.CreateInvoice(context.Background(), receiver.ID,
			payments.CreateInvoiceArgs{AmountMsat: 30_000})
		require.NoError(t, err)

		_, err = service.PayInvoice(context.Background(), sender.ID,
			payments.PayArgs{PaymentRequest: *invoice.Bolt11})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})
}

func TestServiceFee(t *testing.T) {
	t.Parallel()

	t.Run("external pays feed the fee wallet", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		source.PayFeeMsat = 100
		feeWallet := wallettest.CreateWalletOrFail(t, testDB)
		service := newService(source)
		service.Fees = payments.FeeConfig{Percent: 1, WalletID: feeWallet.ID}

		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 100_000)

		payReq := paytest.MockPaymentRequest(50_000)
		payment, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		require.NoError(t, err)

		// one percent of 50 000 msat is 500 msat, on top of the routing fee
		assert.Equal(t, int64(-(100 + 500)), payment.FeeMsat)

		feeBalance, err := wallets.Balance(testDB, feeWallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), feeBalance)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000-50_000-100-500), balance)
	})

	t.Run("no fee without a configured wallet", func(t *testing.T) {
		t.Parallel()
		source := fundingtest.New()
		service := newService(source)
		service.Fees = payments.FeeConfig{Percent: 1}

		wallet := wallettest.CreateWalletOrFail(t, testDB)
		fund(t, wallet.ID, 100_000)

		payReq := paytest.MockPaymentRequest(50_000)
		payment, err := service.PayInvoice(context.Background(), wallet.ID,
			payments.PayArgs{PaymentRequest: payReq})
		require.NoError(t, err)
		assert.Zero(t, payment.FeeMsat)
	})
}

func TestFeeReserve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amountMsat int64
		expected   int64
	}{
		{amountMsat: 1000, expected: 1000},
		{amountMsat: 99_000, expected: 1000},
		{amountMsat: 100_000, expected: 1000},
		{amountMsat: 1_000_000, expected: 10_000},
		{amountMsat: 2_500_000, expected: 25_000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, payments.FeeReserve(tt.amountMsat),
			"fee reserve for %d msat", tt.amountMsat)
	}
}

func TestSettleIncoming(t *testing.T) {
	t.Parallel()

	t.Run("settles and is idempotent", func(t *testing.T) {
		t.Parallel()
		service := newService(fundingtest.New())
		wallet := wallettest.CreateWalletOrFail(t, testDB)

		invoice, err := service.CreateInvoice(context.Background(), wallet.ID,
			payments.CreateInvoiceArgs{AmountMsat: 10_000})
		require.NoError(t, err)

		preimage := hex.EncodeToString(paytest.MockPreimage())
		settled, err := service.SettleIncoming(invoice.CheckingID, preimage)
		require.NoError(t, err)
		assert.Equal(t, ledger.Success, settled.Status)

		again, err := service.SettleIncoming(invoice.CheckingID, "ffff")
		require.NoError(t, err)
		assert.Equal(t, preimage, *again.Preimage)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), balance)
	})
}

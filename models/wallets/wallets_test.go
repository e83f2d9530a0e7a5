package wallets_test

import (
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/models/wallets"
	"gitlab.com/voltmill/lnvault/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("wallets")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	os.Exit(m.Run())
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creating a wallet should work", func(t *testing.T) {
		t.Parallel()
		userID := gofakeit.UUID()
		name := gofakeit.BuzzWord()

		wallet, err := wallets.New(testDB, userID, name)
		require.NoError(t, err)

		assert.NotEmpty(t, wallet.ID)
		assert.Equal(t, userID, wallet.UserID)
		assert.Equal(t, name, wallet.Name)
		assert.Len(t, wallet.AdminKey, 64)
		assert.Len(t, wallet.InvoiceKey, 64)
		assert.NotEqual(t, wallet.AdminKey, wallet.InvoiceKey)
		assert.False(t, wallet.Deleted)

		found, err := wallets.GetByID(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, wallet.ID, found.ID)
		assert.Equal(t, wallet.AdminKey, found.AdminKey)
	})

	t.Run("two wallets get distinct keys", func(t *testing.T) {
		t.Parallel()
		first, err := wallets.New(testDB, gofakeit.UUID(), "")
		require.NoError(t, err)
		second, err := wallets.New(testDB, gofakeit.UUID(), "")
		require.NoError(t, err)

		assert.NotEqual(t, first.AdminKey, second.AdminKey)
		assert.NotEqual(t, first.InvoiceKey, second.InvoiceKey)
	})
}

func TestGetByKey(t *testing.T) {
	t.Parallel()
	wallet, err := wallets.New(testDB, gofakeit.UUID(), gofakeit.BuzzWord())
	require.NoError(t, err)

	t.Run("admin key resolves with admin kind", func(t *testing.T) {
		t.Parallel()
		found, kind, err := wallets.GetByKey(testDB, wallet.AdminKey)
		require.NoError(t, err)
		assert.Equal(t, wallet.ID, found.ID)
		assert.Equal(t, wallets.AdminKey, kind)
	})

	t.Run("invoice key resolves with invoice kind", func(t *testing.T) {
		t.Parallel()
		found, kind, err := wallets.GetByKey(testDB, wallet.InvoiceKey)
		require.NoError(t, err)
		assert.Equal(t, wallet.ID, found.ID)
		assert.Equal(t, wallets.InvoiceKey, kind)
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		t.Parallel()
		_, _, err := wallets.GetByKey(testDB, gofakeit.UUID())
		assert.ErrorIs(t, err, wallets.ErrWalletNotFound)
	})
}

func TestSoftDelete(t *testing.T) {
	t.Parallel()

	t.Run("deleted wallets keep their rows but lose their keys", func(t *testing.T) {
		t.Parallel()
		wallet, err := wallets.New(testDB, gofakeit.UUID(), "")
		require.NoError(t, err)

		require.NoError(t, wallets.SoftDelete(testDB, wallet.ID))

		_, _, err = wallets.GetByKey(testDB, wallet.AdminKey)
		assert.ErrorIs(t, err, wallets.ErrWalletNotFound)

		found, err := wallets.GetByID(testDB, wallet.ID)
		require.NoError(t, err)
		assert.True(t, found.Deleted)
	})

	t.Run("deleting an unknown wallet errors", func(t *testing.T) {
		t.Parallel()
		err := wallets.SoftDelete(testDB, gofakeit.UUID())
		assert.ErrorIs(t, err, wallets.ErrWalletNotFound)
	})
}

func TestBalance(t *testing.T) {
	t.Parallel()

	t.Run("fresh wallets have zero balance", func(t *testing.T) {
		t.Parallel()
		wallet, err := wallets.New(testDB, gofakeit.UUID(), "")
		require.NoError(t, err)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("balance counts settled rows and pending debits", func(t *testing.T) {
		t.Parallel()
		wallet, err := wallets.New(testDB, gofakeit.UUID(), "")
		require.NoError(t, err)

		// a settled credit
		_, err = ledger.Insert(testDB, ledger.Payment{
			CheckingID:  gofakeit.UUID(),
			WalletID:    wallet.ID,
			PaymentHash: gofakeit.UUID(),
			AmountMsat:  100_000,
			Status:      ledger.Success,
		})
		require.NoError(t, err)

		// a pending credit, which must not count
		_, err = ledger.Insert(testDB, ledger.Payment{
			CheckingID:  gofakeit.UUID(),
			WalletID:    wallet.ID,
			PaymentHash: gofakeit.UUID(),
			AmountMsat:  50_000,
			Status:      ledger.Pending,
		})
		require.NoError(t, err)

		// a pending debit with a fee reserve, which must count
		_, err = ledger.InsertPendingDebit(testDB, ledger.Payment{
			CheckingID:  gofakeit.UUID(),
			WalletID:    wallet.ID,
			PaymentHash: gofakeit.UUID(),
			AmountMsat:  -20_000,
			FeeMsat:     -1000,
		})
		require.NoError(t, err)

		balance, err := wallets.Balance(testDB, wallet.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000-20_000-1000), balance)
	})
}

// Package wallettest creates wallets for use in tests
package wallettest

import (
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/models/wallets"
)

// CreateWalletOrFail makes a wallet for a random user
func CreateWalletOrFail(t *testing.T, d *db.DB) wallets.Wallet {
	t.Helper()
	wallet, err := wallets.New(d, gofakeit.UUID(), gofakeit.BuzzWord())
	require.NoError(t, err, "could not create test wallet")
	return wallet
}

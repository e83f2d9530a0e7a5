package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/voltmill/lnvault/api/apierr"
	"gitlab.com/voltmill/lnvault/models/wallets"
)

// apiKeyHeader carries the wallet key on every authenticated request
const apiKeyHeader = "X-Api-Key"

const walletContextKey = "wallet"

// walletFromKey resolves the request's API key to a wallet, aborting the
// request on failure. requireAdmin rejects invoice keys, which can only
// create invoices and read state.
func (r *RestServer) walletFromKey(c *gin.Context, requireAdmin bool) (wallets.Wallet, bool) {
	key := c.GetHeader(apiKeyHeader)
	if key == "" {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingApiKey)
		return wallets.Wallet{}, false
	}

	wallet, kind, err := wallets.GetByKey(r.db, key)
	if err != nil {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadApiKey)
		return wallets.Wallet{}, false
	}
	if requireAdmin && kind != wallets.AdminKey {
		apierr.Public(c, http.StatusForbidden, apierr.ErrBadApiKey)
		return wallets.Wallet{}, false
	}
	return wallet, true
}

// authenticateWallet is the middleware form of walletFromKey
func (r *RestServer) authenticateWallet(requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := r.walletFromKey(c, requireAdmin)
		if !ok {
			return
		}
		c.Set(walletContextKey, wallet)
		c.Next()
	}
}

// getWalletOrReject pulls the authenticated wallet off the context
func getWalletOrReject(c *gin.Context) (wallets.Wallet, bool) {
	value, ok := c.Get(walletContextKey)
	if !ok {
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingApiKey)
		return wallets.Wallet{}, false
	}
	wallet, ok := value.(wallets.Wallet)
	if !ok {
		log.Error("Wallet on context had wrong type")
		apierr.Public(c, http.StatusInternalServerError, apierr.ErrUnknownError)
		return wallets.Wallet{}, false
	}
	return wallet, true
}

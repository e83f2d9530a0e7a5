package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/voltmill/lnvault/api/apierr"
	"gitlab.com/voltmill/lnvault/models/wallets"
)

func (r *RestServer) registerWalletRoutes() {
	group := r.Router.Group("/api/v1/wallet")

	group.POST("", r.createWallet())
	group.GET("", r.authenticateWallet(false), r.getWallet())
	group.DELETE("", r.authenticateWallet(true), r.deleteWallet())
}

// createWallet makes a fresh wallet with new keys
func (r *RestServer) createWallet() gin.HandlerFunc {
	type createWalletRequest struct {
		UserID string `json:"userId" binding:"required,max=64"`
		Name   string `json:"name" binding:"max=128"`
	}

	return func(c *gin.Context) {
		var req createWalletRequest
		if c.BindJSON(&req) != nil {
			return
		}

		wallet, err := wallets.New(r.db, req.UserID, req.Name)
		if err != nil {
			log.WithError(err).Error("Could not create wallet")
			_ = c.Error(err)
			return
		}

		// the invoice key is only ever shown here
		c.JSONP(http.StatusCreated, gin.H{
			"id":         wallet.ID,
			"userId":     wallet.UserID,
			"name":       wallet.Name,
			"adminKey":   wallet.AdminKey,
			"invoiceKey": wallet.InvoiceKey,
		})
	}
}

// getWallet returns the wallet's details and current balance
func (r *RestServer) getWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := getWalletOrReject(c)
		if !ok {
			return
		}

		balance, err := wallets.Balance(r.db, wallet.ID)
		if err != nil {
			log.WithError(err).Error("Could not get balance")
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusOK, gin.H{
			"id":          wallet.ID,
			"userId":      wallet.UserID,
			"name":        wallet.Name,
			"balanceMsat": balance,
		})
	}
}

// deleteWallet soft deletes the wallet. Its ledger rows are kept, the
// keys stop working.
func (r *RestServer) deleteWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := getWalletOrReject(c)
		if !ok {
			return
		}

		if err := wallets.SoftDelete(r.db, wallet.ID); err != nil {
			apierr.FromService(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

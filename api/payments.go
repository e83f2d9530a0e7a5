package api

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/voltmill/lnvault/api/apierr"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/payments"
)

func (r *RestServer) registerPaymentRoutes() {
	group := r.Router.Group("/api/v1/payments")

	// creating invoices only needs the invoice key, spending needs the
	// admin key
	group.GET("", r.authenticateWallet(false), r.listPayments())
	group.GET("/:paymentHash", r.authenticateWallet(false), r.getPayment())
	group.POST("", r.createPayment())
}

// createPayment handles both directions, like the rest of the Lightning
// ecosystem expects: out=false creates an invoice, out=true pays one
func (r *RestServer) createPayment() gin.HandlerFunc {
	type createPaymentRequest struct {
		Out bool `json:"out"`

		// invoice fields
		AmountMsat          int64  `json:"amountMsat"`
		Memo                string `json:"memo"`
		DescriptionHash     string `json:"descriptionHash"`
		UnhashedDescription string `json:"unhashedDescription"`
		ExpirySeconds       int64  `json:"expiry"`

		// pay fields
		PaymentRequest string `json:"paymentRequest"`

		WebhookURL string       `json:"webhookUrl" binding:"omitempty,url"`
		Extra      ledger.Extra `json:"extra"`
	}

	return func(c *gin.Context) {
		var req createPaymentRequest
		if c.BindJSON(&req) != nil {
			return
		}

		if req.Out {
			r.payInvoice(c, req.PaymentRequest, req.WebhookURL, req.Extra)
			return
		}

		descriptionHash, err := hex.DecodeString(req.DescriptionHash)
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadDescription)
			return
		}
		unhashed, err := hex.DecodeString(req.UnhashedDescription)
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadDescription)
			return
		}

		wallet, ok := r.walletFromKey(c, false)
		if !ok {
			return
		}

		payment, err := r.service.CreateInvoice(c.Request.Context(), wallet.ID,
			payments.CreateInvoiceArgs{
				AmountMsat:          req.AmountMsat,
				Memo:                req.Memo,
				DescriptionHash:     descriptionHash,
				UnhashedDescription: unhashed,
				Expiry:              time.Duration(req.ExpirySeconds) * time.Second,
				WebhookURL:          req.WebhookURL,
				Extra:               req.Extra,
			})
		if err != nil {
			apierr.FromService(c, err)
			return
		}

		c.JSONP(http.StatusCreated, paymentResponse(payment))
	}
}

func (r *RestServer) payInvoice(c *gin.Context, paymentRequest, webhookURL string,
	extra ledger.Extra) {

	wallet, ok := r.walletFromKey(c, true)
	if !ok {
		return
	}

	payment, err := r.service.PayInvoice(c.Request.Context(), wallet.ID,
		payments.PayArgs{
			PaymentRequest: paymentRequest,
			WebhookURL:     webhookURL,
			Extra:          extra,
		})
	if err != nil && payment.Status != ledger.Pending {
		apierr.FromService(c, err)
		return
	}

	// pending means the node didn't answer in time: report the row as-is,
	// the watcher will finish the job
	c.JSONP(http.StatusOK, paymentResponse(payment))
}

// getPayment reports the state of one payment of the wallet, by payment
// hash
func (r *RestServer) getPayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := getWalletOrReject(c)
		if !ok {
			return
		}

		hash := c.Param("paymentHash")
		rows, err := ledger.GetByHash(r.db, hash)
		if err != nil {
			_ = c.Error(err)
			return
		}

		for _, row := range rows {
			if row.WalletID != wallet.ID {
				continue
			}
			response := gin.H{
				"paid":    row.Status == ledger.Success,
				"details": paymentResponse(row),
			}
			if row.Preimage != nil && row.Status == ledger.Success {
				response["preimage"] = *row.Preimage
			}
			c.JSONP(http.StatusOK, response)
			return
		}
		apierr.Public(c, http.StatusNotFound, apierr.ErrPaymentNotFound)
	}
}

// listPayments returns the wallet's ledger rows, newest first
func (r *RestServer) listPayments() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := getWalletOrReject(c)
		if !ok {
			return
		}

		rows, err := ledger.GetByWallet(r.db, wallet.ID)
		if err != nil {
			log.WithError(err).Error("Could not list payments")
			_ = c.Error(err)
			return
		}

		response := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			response = append(response, paymentResponse(row))
		}
		c.JSONP(http.StatusOK, response)
	}
}

func paymentResponse(p ledger.Payment) gin.H {
	response := gin.H{
		"checkingId":  p.CheckingID,
		"paymentHash": p.PaymentHash,
		"walletId":    p.WalletID,
		"amountMsat":  p.AmountMsat,
		"feeMsat":     p.FeeMsat,
		"status":      p.Status,
		"expiry":      p.Expiry,
		"extra":       p.Extra,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
	if p.Memo != nil {
		response["memo"] = *p.Memo
	}
	if p.Bolt11 != nil {
		response["bolt11"] = *p.Bolt11
	}
	if p.Preimage != nil && p.Status == ledger.Success {
		response["preimage"] = *p.Preimage
	}
	if p.WebhookURL != nil {
		response["webhookUrl"] = *p.WebhookURL
		response["webhookStatus"] = p.WebhookStatus
	}
	return response
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/payments"
	"gitlab.com/voltmill/lnvault/testutil"
	"gitlab.com/voltmill/lnvault/testutil/fundingtest"
	"gitlab.com/voltmill/lnvault/testutil/httptestutil"
)

var (
	testDB     *db.DB
	mockSource *fundingtest.Mock
	h          httptestutil.TestHarness
)

func init() {
	gin.SetMode(gin.TestMode)
	gofakeit.Seed(0)

	testDB = testutil.InitDatabase(testutil.GetDatabaseConfig("routes"))

	mockSource = fundingtest.New()
	service := &payments.Service{
		DB:     testDB,
		Source: mockSource,
		Bus:    bus.New(16),
	}

	app, err := NewApp(testDB, service, Config{LogLevel: logrus.ErrorLevel})
	if err != nil {
		panic(err)
	}
	h = httptestutil.NewTestHarness(app.Router)
}

// fund gives the wallet a settled credit directly in the ledger
func fund(t *testing.T, walletID string, amountMsat int64) {
	t.Helper()
	_, err := ledger.Insert(testDB, ledger.Payment{
		CheckingID:  gofakeit.UUID(),
		WalletID:    walletID,
		PaymentHash: gofakeit.UUID(),
		AmountMsat:  amountMsat,
		Status:      ledger.Success,
	})
	require.NoError(t, err)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var parsed struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed), "body: %s", string(body))
	return parsed.Error.Code
}

func TestCreateWallet(t *testing.T) {
	t.Parallel()

	created := h.CreateWallet(t)

	assert.NotEmpty(t, created["id"])
	assert.Len(t, created["adminKey"], 64)
	assert.Len(t, created["invoiceKey"], 64)
	assert.NotEqual(t, created["adminKey"], created["invoiceKey"])

	t.Run("reading the wallet back with the invoice key", func(t *testing.T) {
		response := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "GET",
				ApiKey: created["invoiceKey"].(string),
			}))
		assert.Equal(t, created["id"], response["id"])
		assert.Equal(t, float64(0), response["balanceMsat"])
	})

	t.Run("no key is unauthorized", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "GET",
			}), http.StatusUnauthorized)
		assert.Equal(t, "ERR_MISSING_API_KEY", errorCode(t, response.Body.Bytes()))
	})

	t.Run("missing userId is rejected", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "POST",
				Body:   `{"name": "no user"}`,
			}), http.StatusBadRequest)
	})
}

func TestDeleteWallet(t *testing.T) {
	t.Parallel()

	created := h.CreateWallet(t)
	adminKey := created["adminKey"].(string)
	invoiceKey := created["invoiceKey"].(string)

	t.Run("invoice key cannot delete", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "DELETE",
				ApiKey: invoiceKey,
			}), http.StatusForbidden)
		assert.Equal(t, "ERR_BAD_API_KEY", errorCode(t, response.Body.Bytes()))
	})

	t.Run("admin key deletes, keys stop working", func(t *testing.T) {
		response := h.AssertResponseOk(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "DELETE",
				ApiKey: adminKey,
			}))
		assert.Equal(t, http.StatusNoContent, response.Code)

		h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/wallet",
				Method: "GET",
				ApiKey: adminKey,
			}), http.StatusUnauthorized)
	})
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()

	wallet := h.CreateWallet(t)
	invoiceKey := wallet["invoiceKey"].(string)

	t.Run("creates a pending invoice", func(t *testing.T) {
		request := httptestutil.GetRequest(t, httptestutil.RequestArgs{
			Path:   "/api/v1/payments",
			Method: "POST",
			ApiKey: invoiceKey,
			Body: `{
				"out": false,
				"amountMsat": 50000,
				"memo": "api test invoice"
			}`,
		})
		response := h.AssertResponseOkWithJson(t, request)

		assert.Equal(t, string(ledger.Pending), response["status"])
		assert.Equal(t, float64(50_000), response["amountMsat"])
		assert.Contains(t, response["bolt11"], "lnbcrt")
		assert.NotEmpty(t, response["paymentHash"])
		assert.NotContains(t, response, "preimage")

		t.Run("shows up unpaid under its hash", func(t *testing.T) {
			hash := response["paymentHash"].(string)
			byHash := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
				httptestutil.RequestArgs{
					Path:   "/api/v1/payments/" + hash,
					Method: "GET",
					ApiKey: invoiceKey,
				}))
			assert.Equal(t, false, byHash["paid"])
			assert.NotContains(t, byHash, "preimage")
		})
	})

	t.Run("zero amount is rejected", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: invoiceKey,
				Body:   `{"out": false, "amountMsat": 0}`,
			}), http.StatusBadRequest)
		assert.Equal(t, "ERR_INVALID_AMOUNT", errorCode(t, response.Body.Bytes()))
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: invoiceKey,
			}), http.StatusBadRequest)
		assert.Equal(t, "ERR_BODY_REQUIRED", errorCode(t, response.Body.Bytes()))
	})

	t.Run("unknown key is unauthorized", func(t *testing.T) {
		h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: "notakey",
				Body:   `{"out": false, "amountMsat": 1000}`,
			}), http.StatusUnauthorized)
	})
}

func TestPayInvoice(t *testing.T) {
	t.Parallel()

	payer := h.CreateWallet(t)
	receiver := h.CreateWallet(t)
	fund(t, payer["id"].(string), 100_000)

	invoice := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
		httptestutil.RequestArgs{
			Path:   "/api/v1/payments",
			Method: "POST",
			ApiKey: receiver["invoiceKey"].(string),
			Body:   `{"out": false, "amountMsat": 60000}`,
		}))
	bolt11 := invoice["bolt11"].(string)

	t.Run("invoice key cannot spend", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: payer["invoiceKey"].(string),
				Body:   fmt.Sprintf(`{"out": true, "paymentRequest": %q}`, bolt11),
			}), http.StatusForbidden)
		assert.Equal(t, "ERR_BAD_API_KEY", errorCode(t, response.Body.Bytes()))
	})

	t.Run("admin key settles the invoice internally", func(t *testing.T) {
		response := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: payer["adminKey"].(string),
				Body:   fmt.Sprintf(`{"out": true, "paymentRequest": %q}`, bolt11),
			}))

		assert.Equal(t, string(ledger.Success), response["status"])
		assert.Equal(t, float64(-60_000), response["amountMsat"])
		assert.NotEmpty(t, response["preimage"])
		// internal settles never hit the node
		assert.Zero(t, mockSource.PayCalls())

		t.Run("balances moved", func(t *testing.T) {
			payerWallet := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
				httptestutil.RequestArgs{
					Path:   "/api/v1/wallet",
					Method: "GET",
					ApiKey: payer["invoiceKey"].(string),
				}))
			assert.Equal(t, float64(40_000), payerWallet["balanceMsat"])

			receiverWallet := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
				httptestutil.RequestArgs{
					Path:   "/api/v1/wallet",
					Method: "GET",
					ApiKey: receiver["invoiceKey"].(string),
				}))
			assert.Equal(t, float64(60_000), receiverWallet["balanceMsat"])
		})

		t.Run("receiver sees the payment as paid", func(t *testing.T) {
			hash := response["paymentHash"].(string)
			byHash := h.AssertResponseOkWithJson(t, httptestutil.GetRequest(t,
				httptestutil.RequestArgs{
					Path:   "/api/v1/payments/" + hash,
					Method: "GET",
					ApiKey: receiver["invoiceKey"].(string),
				}))
			assert.Equal(t, true, byHash["paid"])
			assert.NotEmpty(t, byHash["preimage"])
		})
	})

	t.Run("balance too low", func(t *testing.T) {
		poor := h.CreateWallet(t)
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: poor["adminKey"].(string),
				Body:   fmt.Sprintf(`{"out": true, "paymentRequest": %q}`, bolt11),
			}), http.StatusForbidden)
		assert.Equal(t, "ERR_BALANCE_TOO_LOW", errorCode(t, response.Body.Bytes()))
	})

	t.Run("garbage payment request", func(t *testing.T) {
		response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
			httptestutil.RequestArgs{
				Path:   "/api/v1/payments",
				Method: "POST",
				ApiKey: payer["adminKey"].(string),
				Body:   `{"out": true, "paymentRequest": "not an invoice"}`,
			}), http.StatusBadRequest)
		assert.Equal(t, "ERR_INVALID_PAYMENT_REQUEST", errorCode(t, response.Body.Bytes()))
	})
}

func TestListPayments(t *testing.T) {
	t.Parallel()

	wallet := h.CreateWallet(t)
	fund(t, wallet["id"].(string), 30_000)
	fund(t, wallet["id"].(string), 12_000)

	response := h.AssertResponseOk(t, httptestutil.GetRequest(t,
		httptestutil.RequestArgs{
			Path:   "/api/v1/payments",
			Method: "GET",
			ApiKey: wallet["invoiceKey"].(string),
		}))

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
}

func TestPing(t *testing.T) {
	t.Parallel()

	response := h.AssertResponseOk(t, httptestutil.GetRequest(t,
		httptestutil.RequestArgs{Path: "/ping", Method: "GET"}))
	assert.Equal(t, "pong", response.Body.String())
}

func TestRouteNotFound(t *testing.T) {
	t.Parallel()

	response := h.AssertResponseNotOkWithCode(t, httptestutil.GetRequest(t,
		httptestutil.RequestArgs{Path: "/api/v1/nope", Method: "GET"}),
		http.StatusNotFound)
	assert.Equal(t, "ERR_ROUTE_NOT_FOUND", errorCode(t, response.Body.Bytes()))
}

// Package apierr terminates API requests with errors in a uniform shape.
// Handlers attach errors to the gin context; the middleware here turns
// them into StandardErrorResponse bodies with stable error codes.
package apierr

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/internal/httptypes"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/models/wallets"
	"gitlab.com/voltmill/lnvault/payments"
)

// apiError couples a user-facing message with a stable machine-readable
// code
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if stdErr, ok := err.(httptypes.StandardErrorResponse); ok {
		return stdErr.ErrorField.Code == a.code
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

var (
	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}
	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}
	// ErrMissingApiKey means the X-Api-Key header was empty
	ErrMissingApiKey = apiError{
		err:  errors.New("missing API key header"),
		code: "ERR_MISSING_API_KEY",
	}
	// ErrBadApiKey means no wallet matches the given key at the required
	// permission level
	ErrBadApiKey = apiError{
		err:  errors.New("invalid API key"),
		code: "ERR_BAD_API_KEY",
	}
	// ErrBalanceTooLow means the wallet cannot cover the payment plus fees
	ErrBalanceTooLow = apiError{
		err:  ledger.ErrInsufficientBalance,
		code: "ERR_BALANCE_TOO_LOW",
	}
	// ErrPaymentNotFound means no ledger entry matches the request
	ErrPaymentNotFound = apiError{
		err:  ledger.ErrPaymentNotFound,
		code: "ERR_PAYMENT_NOT_FOUND",
	}
	// ErrDuplicatePayment means the invoice is already settled in this
	// ledger
	ErrDuplicatePayment = apiError{
		err:  ledger.ErrDuplicatePayment,
		code: "ERR_DUPLICATE_PAYMENT",
	}
	// ErrInvalidPaymentRequest means the bolt11 string did not decode
	ErrInvalidPaymentRequest = apiError{
		err:  payments.ErrBadPaymentRequest,
		code: "ERR_INVALID_PAYMENT_REQUEST",
	}
	// ErrAmountlessInvoice means the invoice carries no amount
	ErrAmountlessInvoice = apiError{
		err:  payments.ErrAmountlessInvoice,
		code: "ERR_AMOUNTLESS_INVOICE",
	}
	// ErrInvoiceExpired means the invoice can no longer be paid
	ErrInvoiceExpired = apiError{
		err:  payments.ErrInvoiceExpired,
		code: "ERR_INVOICE_EXPIRED",
	}
	// ErrInvalidAmount means the invoice amount was not positive
	ErrInvalidAmount = apiError{
		err:  payments.ErrBadAmount,
		code: "ERR_INVALID_AMOUNT",
	}
	// ErrMemoTooLong means the memo exceeded the invoice description limit
	ErrMemoTooLong = apiError{
		err:  payments.ErrMemoTooLong,
		code: "ERR_MEMO_TOO_LONG",
	}
	// ErrBadDescription means the description hash arguments conflicted
	ErrBadDescription = apiError{
		err:  payments.ErrBadDescription,
		code: "ERR_BAD_DESCRIPTION",
	}
	// ErrPaymentFailed means the node could not complete the payment
	ErrPaymentFailed = apiError{
		err:  errors.New("payment failed"),
		code: "ERR_PAYMENT_FAILED",
	}
	// ErrNodeUnreachable means the funding source did not answer; the
	// payment may still settle and stays visible as pending
	ErrNodeUnreachable = apiError{
		err:  errors.New("node unreachable, payment is pending"),
		code: "ERR_NODE_UNREACHABLE",
	}
	// ErrWalletNotFound means no wallet matches the request
	ErrWalletNotFound = apiError{
		err:  wallets.ErrWalletNotFound,
		code: "ERR_WALLET_NOT_FOUND",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}
	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}
)

// Public aborts the request with an error that is safe to show the caller
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// FromService terminates the request with the API error matching a
// service-layer error, falling back to 500 for anything unrecognized
func FromService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payments.ErrBadAmount):
		Public(c, http.StatusBadRequest, ErrInvalidAmount)
	case errors.Is(err, payments.ErrMemoTooLong):
		Public(c, http.StatusBadRequest, ErrMemoTooLong)
	case errors.Is(err, payments.ErrBadDescription):
		Public(c, http.StatusBadRequest, ErrBadDescription)
	case errors.Is(err, payments.ErrBadPaymentRequest):
		Public(c, http.StatusBadRequest, ErrInvalidPaymentRequest)
	case errors.Is(err, payments.ErrAmountlessInvoice):
		Public(c, http.StatusBadRequest, ErrAmountlessInvoice)
	case errors.Is(err, payments.ErrInvoiceExpired):
		Public(c, http.StatusBadRequest, ErrInvoiceExpired)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		Public(c, http.StatusForbidden, ErrBalanceTooLow)
	case errors.Is(err, ledger.ErrDuplicatePayment):
		Public(c, http.StatusConflict, ErrDuplicatePayment)
	case errors.Is(err, ledger.ErrPaymentNotFound):
		Public(c, http.StatusNotFound, ErrPaymentNotFound)
	case errors.Is(err, wallets.ErrWalletNotFound):
		Public(c, http.StatusNotFound, ErrWalletNotFound)
	case errors.Is(err, funding.ErrRejected) || errors.Is(err, funding.ErrFailed):
		Public(c, http.StatusBadGateway, ErrPaymentFailed)
	case errors.Is(err, funding.ErrUnreachable):
		Public(c, http.StatusGatewayTimeout, ErrNodeUnreachable)
	default:
		_ = c.Error(err)
	}
}

// GetMiddleware returns a Gin middleware that handles errors
func GetMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		response := &httptypes.StandardErrorResponse{
			ErrorField: httptypes.StandardError{
				Fields: []httptypes.FieldError{},
			},
		}

		// Check for JSON parsing errors
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				response.ErrorField.Code = errBodyRequired.code
				response.ErrorField.Message = capitalize(errBodyRequired.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			} else if errors.As(err.Err, &syntaxErr) {
				response.ErrorField.Code = errInvalidJson.code
				response.ErrorField.Message = capitalize(errInvalidJson.err.Error())
				c.JSON(http.StatusBadRequest, response)
				return
			}
		}

		// bind errors mean request validation failed
		for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err.Err, &typeErr) {
				response.ErrorField.Fields = append(response.ErrorField.Fields,
					httptypes.FieldError{
						Field:   typeErr.Field,
						Message: "invalid type: " + typeErr.Value,
						Code:    "invalid-type",
					})
			}
		}

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				response.ErrorField.Code = apiErr.code
				response.ErrorField.Message = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				response.ErrorField.Code = ErrUnknownError.code
				response.ErrorField.Message = ErrUnknownError.err.Error()
			}
		}

		// ensure all responses have a code
		if response.ErrorField.Code == "" {
			response.ErrorField.Code = ErrUnknownError.code
			response.ErrorField.Message = ErrUnknownError.err.Error()
		}

		response.ErrorField.Message = capitalize(response.ErrorField.Message)
		c.JSON(httpCode, response)
	}
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	runes := []rune(str)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

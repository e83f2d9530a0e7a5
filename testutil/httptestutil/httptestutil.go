// Package httptestutil drives the REST API in tests without a listening
// socket
package httptestutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/require"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness executes requests against an in-process API server
type TestHarness struct {
	server Server
}

func NewTestHarness(server Server) TestHarness {
	return TestHarness{server: server}
}

// RequestArgs describes a request to perform. ApiKey, when set, goes into
// the X-Api-Key header.
type RequestArgs struct {
	Path   string
	Method string
	Body   string
	ApiKey string
}

// GetRequest builds an HTTP request with an optional JSON body
func GetRequest(t *testing.T, args RequestArgs) *http.Request {
	t.Helper()
	require.NotEmpty(t, args.Path, "request args need a path")
	require.NotEmpty(t, args.Method, "request args need a method")

	body := &bytes.Buffer{}
	if args.Body != "" {
		require.True(t, json.Valid([]byte(args.Body)),
			"request body is not valid JSON: %s", args.Body)
		body = bytes.NewBufferString(args.Body)
	}

	request, err := http.NewRequest(args.Method, args.Path, body)
	require.NoError(t, err)

	request.Header.Set("Content-Type", "application/json")
	if args.ApiKey != "" {
		request.Header.Set("X-Api-Key", args.ApiKey)
	}
	return request
}

// AssertResponseOk performs the request and requires a 2xx answer
func (h TestHarness) AssertResponseOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	response := httptest.NewRecorder()
	h.server.ServeHTTP(response, request)

	require.Less(t, response.Code, 300,
		"%s %s answered %d: %s", request.Method, request.URL.Path,
		response.Code, response.Body.String())
	return response
}

// AssertResponseOkWithJson performs the request and parses the JSON answer
func (h TestHarness) AssertResponseOkWithJson(t *testing.T, request *http.Request) map[string]interface{} {
	t.Helper()

	response := h.AssertResponseOk(t, request)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &parsed),
		"body was not JSON: %s", response.Body.String())
	return parsed
}

// AssertResponseNotOkWithCode performs the request and requires the exact
// error code
func (h TestHarness) AssertResponseNotOkWithCode(t *testing.T, request *http.Request, code int) *httptest.ResponseRecorder {
	t.Helper()

	response := httptest.NewRecorder()
	h.server.ServeHTTP(response, request)

	require.Equal(t, code, response.Code,
		"%s %s: %s", request.Method, request.URL.Path, response.Body.String())
	return response
}

// CreateWallet makes a wallet over the API and returns the response body,
// including both keys
func (h TestHarness) CreateWallet(t *testing.T) map[string]interface{} {
	t.Helper()

	request := GetRequest(t, RequestArgs{
		Path:   "/api/v1/wallet",
		Method: "POST",
		Body: fmt.Sprintf(`{
			"userId": %q,
			"name": %q
		}`, gofakeit.UUID(), gofakeit.BuzzWord()),
	})
	return h.AssertResponseOkWithJson(t, request)
}

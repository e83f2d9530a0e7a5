package webhooks_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/models/ledger"
	"gitlab.com/voltmill/lnvault/testutil"
	"gitlab.com/voltmill/lnvault/testutil/wallettest"
	"gitlab.com/voltmill/lnvault/webhooks"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("webhooks")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	os.Exit(m.Run())
}

// recordingPoster captures webhook POSTs and answers with a fixed status
type recordingPoster struct {
	mu     sync.Mutex
	status int
	err    error
	urls   []string
	bodies [][]byte
}

func (p *recordingPoster) Post(url, contentType string, reader io.Reader) (*http.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	body, _ := io.ReadAll(reader)
	p.urls = append(p.urls, url)
	p.bodies = append(p.bodies, body)

	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func settledWithWebhook(t *testing.T, url string) ledger.Payment {
	t.Helper()
	wallet := wallettest.CreateWalletOrFail(t, testDB)

	row := ledger.Payment{
		CheckingID:  gofakeit.UUID(),
		WalletID:    wallet.ID,
		PaymentHash: gofakeit.UUID(),
		AmountMsat:  10_000,
		Status:      ledger.Success,
	}
	if url != "" {
		row.WebhookURL = &url
	}
	inserted, err := ledger.Insert(testDB, row)
	require.NoError(t, err)
	return inserted
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()

	t.Run("posts the payment and records the status", func(t *testing.T) {
		t.Parallel()
		poster := &recordingPoster{}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		payment := settledWithWebhook(t, "https://shop.example/callback")
		deliverer.HandleEvent(context.Background(), bus.Event{Payment: payment})

		require.Len(t, poster.urls, 1)
		assert.Equal(t, "https://shop.example/callback", poster.urls[0])

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(poster.bodies[0], &payload))
		assert.Equal(t, payment.CheckingID, payload["checkingId"])

		found, err := ledger.GetByCheckingID(testDB, payment.CheckingID)
		require.NoError(t, err)
		require.NotNil(t, found.WebhookStatus)
		assert.Equal(t, http.StatusOK, *found.WebhookStatus)
	})

	t.Run("records non-2xx answers", func(t *testing.T) {
		t.Parallel()
		poster := &recordingPoster{status: http.StatusBadGateway}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		payment := settledWithWebhook(t, "https://shop.example/callback")
		deliverer.HandleEvent(context.Background(), bus.Event{Payment: payment})

		found, err := ledger.GetByCheckingID(testDB, payment.CheckingID)
		require.NoError(t, err)
		require.NotNil(t, found.WebhookStatus)
		assert.Equal(t, http.StatusBadGateway, *found.WebhookStatus)
	})

	t.Run("records transport failures as status zero", func(t *testing.T) {
		t.Parallel()
		poster := &recordingPoster{err: errors.New("connection refused")}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		payment := settledWithWebhook(t, "https://shop.example/callback")
		deliverer.HandleEvent(context.Background(), bus.Event{Payment: payment})

		found, err := ledger.GetByCheckingID(testDB, payment.CheckingID)
		require.NoError(t, err)
		require.NotNil(t, found.WebhookStatus)
		assert.Equal(t, 0, *found.WebhookStatus)
	})

	t.Run("skips rows without a webhook url", func(t *testing.T) {
		t.Parallel()
		poster := &recordingPoster{}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		payment := settledWithWebhook(t, "")
		deliverer.HandleEvent(context.Background(), bus.Event{Payment: payment})

		assert.Empty(t, poster.urls)
	})

	t.Run("skips unsettled rows", func(t *testing.T) {
		t.Parallel()
		poster := &recordingPoster{}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		url := "https://shop.example/callback"
		payment := ledger.Payment{Status: ledger.Pending, WebhookURL: &url}
		deliverer.HandleEvent(context.Background(), bus.Event{Payment: payment})

		assert.Empty(t, poster.urls)
	})

	// not parallel: the missed-row scan covers the whole table, so it must
	// run before the sibling subtests insert their rows
	t.Run("resync delivers rows that were missed", func(t *testing.T) {
		poster := &recordingPoster{}
		deliverer := &webhooks.Deliverer{DB: testDB, Poster: poster}

		// settled with a webhook url but never delivered
		payment := settledWithWebhook(t, "https://shop.example/missed")

		deliverer.HandleEvent(context.Background(), bus.Event{Resync: true})

		poster.mu.Lock()
		defer poster.mu.Unlock()
		assert.Contains(t, poster.urls, "https://shop.example/missed")

		found, err := ledger.GetByCheckingID(testDB, payment.CheckingID)
		require.NoError(t, err)
		assert.NotNil(t, found.WebhookStatus)
	})
}

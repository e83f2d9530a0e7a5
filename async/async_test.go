package async_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voltmill/lnvault/async"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("succeeds once the flaky call recovers", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := async.Retry(5, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := async.Retry(3, time.Millisecond, func() error {
			calls++
			return errors.New("still broken")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestRetryNoBackoff(t *testing.T) {
	t.Parallel()

	calls := 0
	err := async.RetryNoBackoff(4, time.Millisecond, func() error {
		calls++
		if calls < 4 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestAwait(t *testing.T) {
	t.Parallel()

	t.Run("returns once the condition holds", func(t *testing.T) {
		t.Parallel()
		checks := 0
		err := async.Await(5, time.Millisecond, func() bool {
			checks++
			return checks == 2
		})
		assert.NoError(t, err)
	})

	t.Run("mentions the message when it never does", func(t *testing.T) {
		t.Parallel()
		err := async.Await(2, time.Millisecond, func() bool { return false },
			"node never answered")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "node never answered")
	})
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	// doubles per attempt, capped at max plus up to 25% jitter
	for attempt := 0; attempt < 20; attempt++ {
		d := async.Backoff(attempt, time.Second, time.Minute)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Minute+15*time.Second)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flagError struct {
	retryable bool
}

func (e flagError) Error() string     { return "flag error" }
func (e flagError) IsRetryable() bool { return e.retryable }

func newTestRetrier(attempts int) (*Retrier, *[]time.Duration) {
	var waits []time.Duration
	r := NewRetrier(RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		BackoffFactor:   2,
	}, logrus.New()).WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	return r, &waits
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.False(t, IsRetryableError(errors.New("execution reverted")))
	assert.True(t, IsRetryableError(flagError{retryable: true}))
	assert.False(t, IsRetryableError(flagError{retryable: false}))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	r, waits := newTestRetrier(5)

	calls := 0
	got, err := Do(context.Background(), r, "test", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, flagError{retryable: true}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	r, waits := newTestRetrier(5)

	calls := 0
	_, err := Do(context.Background(), r, "test", func() (int, error) {
		calls++
		return 0, flagError{retryable: false}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestExecute_ExhaustsBudget(t *testing.T) {
	r, waits := newTestRetrier(3)

	calls := 0
	err := r.Execute(context.Background(), "test", func() error {
		calls++
		return flagError{retryable: true}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *waits, 2)
	assert.ErrorAs(t, err, new(flagError))
}

func TestDo_ContextCanceled(t *testing.T) {
	r, _ := newTestRetrier(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, r, "test", func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_CappedAtMaxInterval(t *testing.T) {
	r, _ := newTestRetrier(10)

	assert.Equal(t, 10*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 40*time.Millisecond, r.Backoff(3))
	assert.Equal(t, 40*time.Millisecond, r.Backoff(8))
}

func TestNewRetrier_Defaults(t *testing.T) {
	r := NewRetrier(RetryConfig{}, nil)
	assert.Equal(t, DefaultRetryConfig.MaxAttempts, r.Config().MaxAttempts)
	assert.Equal(t, DefaultRetryConfig.BackoffFactor, r.Config().BackoffFactor)
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("unavailable")

func TestDo(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, timer *ImmediateTimer){
		"exhausts attempts with exponential delays": testExhausts,
		"succeeds after transient failures":         testEventualSuccess,
		"permanent error stops immediately":         testPermanent,
		"delays are capped at the ceiling":          testCeiling,
		"cancelled context stops retrying":          testCancelled,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewImmediateTimer())
		})
	}
}

func testExhausts(t *testing.T, timer *ImmediateTimer) {
	attempts, err := Do(context.Background(), model.DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
		return errUnavailable
	}, WithTimer(timer))
	require.ErrorIs(t, err, errUnavailable)
	require.Equal(t, 5, attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, timer.Delays())
}

func testEventualSuccess(t *testing.T, timer *ImmediateTimer) {
	var notified []int
	attempts, err := Do(context.Background(), model.DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errUnavailable
		}
		return nil
	}, WithTimer(timer), WithNotify(func(err error, attempt int, next time.Duration) {
		notified = append(notified, attempt)
	}))
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, notified)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Delays())
}

func testPermanent(t *testing.T, timer *ImmediateTimer) {
	bad := errors.New("bad request")
	attempts, err := Do(context.Background(), model.DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
		return Permanent(bad)
	}, WithTimer(timer))
	require.Equal(t, bad, err)
	require.Equal(t, 1, attempts)
	require.Empty(t, timer.Delays())
}

func testCeiling(t *testing.T, timer *ImmediateTimer) {
	policy := model.RetryPolicy{MaxAttempts: 8, BaseDelayMs: 1000, Multiplier: 2, MaxDelayMs: 30000}
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		return errUnavailable
	}, WithTimer(timer))
	require.Error(t, err)
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, timer.Delays())
}

func testCancelled(t *testing.T, timer *ImmediateTimer) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, model.DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
		cancel()
		return errUnavailable
	}, WithTimer(timer))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

package retry

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/flowsync/model"
)

type options struct {
	timer  backoff.Timer
	notify func(err error, attempt int, next time.Duration)
}

type Option func(*options)

// WithTimer replaces the wall clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(o *options) {
		o.timer = t
	}
}

// WithNotify registers a callback invoked after every failed attempt that
// will be retried, with the attempt number and the wait before the next one.
func WithNotify(fn func(err error, attempt int, next time.Duration)) Option {
	return func(o *options) {
		o.notify = fn
	}
}

// Permanent marks an error as not worth retrying. Do returns the wrapped
// error unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewBackOff builds the backoff schedule of a policy: base * multiplier^(n-1)
// capped at the ceiling, no jitter, bounded by MaxAttempts.
func NewBackOff(ctx context.Context, policy model.RetryPolicy) backoff.BackOff {
	policy = policy.WithDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.BaseDelay()
	exp.Multiplier = policy.Multiplier
	exp.MaxInterval = policy.MaxDelay()
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the policy's
// attempts are exhausted or ctx is done. It returns the number of attempts
// made and the last error.
func Do(ctx context.Context, policy model.RetryPolicy, op func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		return op(ctx, attempts)
	}
	notify := func(err error, next time.Duration) {
		if o.notify != nil {
			o.notify(err, attempts, next)
		}
	}
	err := backoff.RetryNotifyWithTimer(operation, NewBackOff(ctx, policy), notify, o.timer)
	return attempts, err
}

var fired = func() chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// ImmediateTimer fires as soon as it is started and records every requested
// delay. It is safe to share between concurrent calls to Do.
type ImmediateTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

var _ backoff.Timer = new(ImmediateTimer)

func NewImmediateTimer() *ImmediateTimer {
	return &ImmediateTimer{}
}

func (t *ImmediateTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays = append(t.delays, d)
}

func (t *ImmediateTimer) Stop() {}

func (t *ImmediateTimer) C() <-chan time.Time {
	return fired
}

func (t *ImmediateTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.delays))
	copy(out, t.delays)
	return out
}

package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crm-realtime/internal/apperr"
)

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		exp.InitialInterval = p.BaseDelay
	}
	exp.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// retryStore runs op until it succeeds, fails permanently, or the attempts
// run out. Only apperr.ErrTransientStore is retried.
func retryStore[T any](ctx context.Context, policy RetryPolicy, op func(attempt int) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		v, err := op(attempt)
		if err == nil {
			result = v
			return nil
		}
		if errors.Is(err, apperr.ErrTransientStore) {
			return err
		}
		return backoff.Permanent(err)
	}, policy.backoff(ctx))
	return result, err
}

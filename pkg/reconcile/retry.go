package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// RetryPolicy bounds how often each retryable error class is retried
type RetryPolicy struct {
	MaxConflictRetries    int
	MaxUnavailableRetries int
	MaxConstraintRetries  int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxConflictRetries:    5,
		MaxUnavailableRetries: 3,
		MaxConstraintRetries:  1,
		InitialBackoff:        20 * time.Millisecond,
		MaxBackoff:            time.Second,
	}
}

// Retry reasons, used as metric labels
const (
	reasonConflict    = "transaction_aborted"
	reasonUnavailable = "store_unavailable"
	reasonConstraint  = "constraint_violation"
)

// retryState tracks one call's retries. Each class has its own budget and
// all classes share one backoff sequence.
type retryState struct {
	policy      RetryPolicy
	backoff     *backoff.ExponentialBackOff
	conflicts   int
	unavailable int
	constraints int
}

func newRetryState(policy RetryPolicy) *retryState {
	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	b.Reset()

	return &retryState{policy: policy, backoff: b}
}

// next classifies err. It returns the delay before the next attempt and the
// retry reason, or a non-nil terminal error when the call must stop.
func (s *retryState) next(err error) (time.Duration, string, error) {
	if !sentinel.IsRetryable(err) {
		if errors.Is(err, sentinel.ErrBadRequest) {
			return 0, "", err
		}
		return 0, "", fmt.Errorf("%w: %w", sentinel.ErrInternal, err)
	}

	switch {
	case errors.Is(err, sentinel.ErrTransactionAborted):
		s.conflicts++
		if s.conflicts > s.policy.MaxConflictRetries {
			return 0, "", fmt.Errorf("%w: gave up after %d aborted transactions: %w", sentinel.ErrConflict, s.conflicts, err)
		}
		return s.backoff.NextBackOff(), reasonConflict, nil

	case errors.Is(err, sentinel.ErrStoreUnavailable):
		s.unavailable++
		if s.unavailable > s.policy.MaxUnavailableRetries {
			return 0, "", fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		}
		return s.backoff.NextBackOff(), reasonUnavailable, nil

	case errors.Is(err, sentinel.ErrConstraintViolation):
		// usually a concurrent create of the same identity; the rerun sees the winner
		s.constraints++
		if s.constraints > s.policy.MaxConstraintRetries {
			return 0, "", err
		}
		return s.backoff.NextBackOff(), reasonConstraint, nil
	}
	return 0, "", fmt.Errorf("%w: %w", sentinel.ErrInternal, err)
}

// sleep waits for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/internal/repositories/contact"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// flakyStore fails the first transactions with scripted errors
type flakyStore struct {
	*contact.MemoryRepository
	errs  []error
	calls int
}

func (s *flakyStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return s.MemoryRepository.WithTransaction(ctx, fn)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestEngine_RetryClassification(t *testing.T) {
	aborted := fmt.Errorf("%w: could not serialize access", sentinel.ErrTransactionAborted)
	down := fmt.Errorf("%w: connection refused", sentinel.ErrStoreUnavailable)
	duplicate := fmt.Errorf("%w: duplicate key", sentinel.ErrConstraintViolation)
	chain := fmt.Errorf("%w: secondary 3 links to secondary 2", sentinel.ErrInvariantViolation)

	policy := RetryPolicy{
		MaxConflictRetries:    3,
		MaxUnavailableRetries: 2,
		MaxConstraintRetries:  1,
		InitialBackoff:        time.Millisecond,
		MaxBackoff:            5 * time.Millisecond,
	}

	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{name: "aborted then committed", errs: repeat(aborted, 2), wantCalls: 3},
		{name: "aborted past the budget", errs: repeat(aborted, 4), wantErr: sentinel.ErrConflict, wantCalls: 4},
		{name: "unavailable then committed", errs: repeat(down, 2), wantCalls: 3},
		{name: "unavailable past the budget", errs: repeat(down, 3), wantErr: sentinel.ErrUnavailable, wantCalls: 3},
		{name: "constraint violation retried once", errs: []error{duplicate}, wantCalls: 2},
		{name: "constraint violation twice", errs: repeat(duplicate, 2), wantErr: sentinel.ErrConstraintViolation, wantCalls: 2},
		{name: "budgets are per class", errs: []error{aborted, down, aborted, down, aborted}, wantCalls: 6},
		{name: "invariant violation is fatal", errs: []error{chain}, wantErr: sentinel.ErrInternal, wantCalls: 1},
		{name: "unclassified error is fatal", errs: []error{errors.New("boom")}, wantErr: sentinel.ErrInternal, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{MemoryRepository: contact.NewMemoryRepository(quietLogger()), errs: tt.errs}
			engine := NewEngine(store, quietLogger(), WithRetryPolicy(policy))

			var delays []time.Duration
			engine.sleep = func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}

			rec, err := engine.Reconcile(context.Background(), req("a@x.com", "111"))
			assert.Equal(t, tt.wantCalls, store.calls)
			assert.Len(t, delays, tt.wantCalls-1)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, store.Contacts())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, rec.Attempts)
			assert.Len(t, store.Contacts(), 1)
		})
	}
}

func TestEngine_FatalErrorKeepsCause(t *testing.T) {
	chain := fmt.Errorf("%w: chain", sentinel.ErrInvariantViolation)
	store := &flakyStore{MemoryRepository: contact.NewMemoryRepository(quietLogger()), errs: []error{chain}}
	engine := NewEngine(store, quietLogger())

	_, err := engine.Identify(context.Background(), req("a@x.com", ""))
	assert.ErrorIs(t, err, sentinel.ErrInternal)
	assert.ErrorIs(t, err, sentinel.ErrInvariantViolation)
}

func TestEngine_CancelledDuringBackoff(t *testing.T) {
	aborted := fmt.Errorf("%w", sentinel.ErrTransactionAborted)
	store := &flakyStore{MemoryRepository: contact.NewMemoryRepository(quietLogger()), errs: repeat(aborted, 10)}
	engine := NewEngine(store, quietLogger())
	engine.sleep = func(context.Context, time.Duration) error { return context.DeadlineExceeded }

	_, err := engine.Identify(context.Background(), req("a@x.com", ""))
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, 1, store.calls)
}

func TestRetryState_BackoffGrowsAndCaps(t *testing.T) {
	state := newRetryState(RetryPolicy{
		MaxConflictRetries: 100,
		InitialBackoff:     10 * time.Millisecond,
		MaxBackoff:         80 * time.Millisecond,
	})

	var last time.Duration
	for i := 0; i < 20; i++ {
		d, reason, err := state.next(sentinel.ErrTransactionAborted)
		require.NoError(t, err)
		assert.Equal(t, reasonConflict, reason)
		assert.Positive(t, d)
		// randomization is +-50% of the capped interval
		assert.LessOrEqual(t, d, 120*time.Millisecond)
		last = d
	}
	assert.GreaterOrEqual(t, last, 40*time.Millisecond)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))
	assert.NoError(t, sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

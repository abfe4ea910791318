package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// fakeReader serves queued messages, then blocks until ctx ends
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	fetchErrs int
	fetches   int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetches++
	if r.fetchErrs > 0 {
		r.fetchErrs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unreachable")
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func fastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 2 * time.Millisecond
	return b
}

func TestConsumer_CommitsAfterHandling(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Topic: "in", Offset: 1, Value: []byte("ok")},
		{Topic: "in", Offset: 2, Value: []byte("bad")},
		{Topic: "in", Offset: 3, Value: []byte("flaky")},
	}}

	var mu sync.Mutex
	flaky := 0
	handler := func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		defer mu.Unlock()
		switch string(msg.Value) {
		case "bad":
			return fmt.Errorf("%w: no email or phone", sentinel.ErrBadRequest)
		case "flaky":
			flaky++
			if flaky < 3 {
				return fmt.Errorf("%w: too many retries", sentinel.ErrConflict)
			}
		}
		return nil
	}

	consumer := newConsumer(reader, "in", quietLogger(), handler)
	consumer.backoff = fastBackoff
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.Equal(t, 3, flaky)
	assert.True(t, reader.closed)
}

func TestConsumer_StopDuringRetryLeavesMessageUncommitted(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{{Topic: "in", Offset: 7}}}

	calls := make(chan struct{}, 100)
	handler := func(context.Context, *IncomingMessage) error {
		calls <- struct{}{}
		return fmt.Errorf("%w: postgres down", sentinel.ErrUnavailable)
	}

	consumer := newConsumer(reader, "in", quietLogger(), handler)
	consumer.backoff = fastBackoff
	require.NoError(t, consumer.Start(context.Background()))

	<-calls
	<-calls
	require.NoError(t, consumer.Stop())
	assert.Empty(t, reader.commits())
}

func TestConsumer_FatalErrorsAreCommitted(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "internal fault", err: fmt.Errorf("%w: %w: secondary links to secondary", sentinel.ErrInternal, sentinel.ErrInvariantViolation)},
		{name: "constraint violation past the engine budget", err: fmt.Errorf("%w: duplicate key", sentinel.ErrConstraintViolation)},
		{name: "unclassified", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{queue: []kafka.Message{
				{Topic: "in", Offset: 1, Value: []byte("poison")},
				{Topic: "in", Offset: 2, Value: []byte("ok")},
			}}

			var mu sync.Mutex
			calls := map[string]int{}
			handler := func(_ context.Context, msg *IncomingMessage) error {
				mu.Lock()
				defer mu.Unlock()
				calls[string(msg.Value)]++
				if string(msg.Value) == "poison" {
					return tt.err
				}
				return nil
			}

			consumer := newConsumer(reader, "in", quietLogger(), handler)
			consumer.backoff = fastBackoff
			require.NoError(t, consumer.Start(context.Background()))

			require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, consumer.Stop())

			assert.Equal(t, []int64{1, 2}, reader.commits())
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, calls["poison"], "fatal errors are not retried")
			assert.Equal(t, 1, calls["ok"])
		})
	}
}

func TestConsumer_FetchErrorsBackOff(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: 3,
		queue:     []kafka.Message{{Topic: "in", Offset: 1}},
	}

	consumer := newConsumer(reader, "in", quietLogger(), func(context.Context, *IncomingMessage) error { return nil })
	consumer.backoff = func() *backoff.ExponentialBackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 20 * time.Millisecond
		b.MaxInterval = 20 * time.Millisecond
		b.RandomizationFactor = 0
		return b
	}

	start := time.Now()
	require.NoError(t, consumer.Start(context.Background()))
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	require.NoError(t, consumer.Stop())

	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	reader.mu.Lock()
	defer reader.mu.Unlock()
	// three failures, the message, then the blocking fetch
	assert.LessOrEqual(t, reader.fetches, 5)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{err: fmt.Errorf("%w: gave up", sentinel.ErrConflict), expected: true},
		{err: fmt.Errorf("%w: postgres down", sentinel.ErrUnavailable), expected: true},
		{err: sentinel.ErrTransactionAborted, expected: true},
		{err: sentinel.ErrStoreUnavailable, expected: true},
		{err: sentinel.ErrConstraintViolation, expected: false},
		{err: sentinel.ErrInternal, expected: false},
		{err: sentinel.ErrNotFound, expected: false},
		{err: errors.New("boom"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.expected, retryable(tt.err))
		})
	}
}

type stubIdentifier struct {
	got models.IdentifyRequest
	err error
}

func (s *stubIdentifier) Identify(_ context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	s.got = req
	return &models.IdentifyResponse{}, s.err
}

func TestIdentifyHandler(t *testing.T) {
	t.Run("decodes the request body", func(t *testing.T) {
		stub := &stubIdentifier{}
		err := IdentifyHandler(stub)(context.Background(), &IncomingMessage{Value: []byte(`{"email":"a@x.com","phoneNumber":123456}`)})
		require.NoError(t, err)
		assert.Equal(t, models.NewFlexString("a@x.com"), stub.got.Email)
		assert.Equal(t, models.NewFlexString("123456"), stub.got.PhoneNumber)
	})

	t.Run("malformed json is a bad request", func(t *testing.T) {
		err := IdentifyHandler(&stubIdentifier{})(context.Background(), &IncomingMessage{Value: []byte(`{"email":`)})
		assert.ErrorIs(t, err, sentinel.ErrBadRequest)
	})

	t.Run("invalid email is a bad request", func(t *testing.T) {
		stub := &stubIdentifier{}
		err := IdentifyHandler(stub)(context.Background(), &IncomingMessage{Value: []byte(`{"email":"nope"}`)})
		assert.ErrorIs(t, err, sentinel.ErrBadRequest)
		assert.False(t, stub.got.Email.Set, "never reaches the engine")
	})

	t.Run("engine errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		err := IdentifyHandler(&stubIdentifier{err: boom})(context.Background(), &IncomingMessage{Value: []byte(`{}`)})
		assert.ErrorIs(t, err, boom)
	})
}

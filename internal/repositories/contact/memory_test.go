package contact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

func str(s string) *string { return &s }
func id64(i int64) *int64  { return &i }

func newTestMemory(t *testing.T) *MemoryRepository {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewMemoryRepository(logger)
}

func primary(email, phone *string) models.NewContact {
	return models.NewContact{Email: email, PhoneNumber: phone, LinkPrecedence: models.LinkPrecedencePrimary}
}

func secondary(email, phone *string, linked int64) models.NewContact {
	return models.NewContact{Email: email, PhoneNumber: phone, LinkPrecedence: models.LinkPrecedenceSecondary, LinkedID: id64(linked)}
}

func TestMemoryRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	p, err := repo.Create(ctx, primary(str("lorraine@hillvalley.edu"), str("123456")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)
	assert.True(t, p.IsPrimary())
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)

	s, err := repo.Create(ctx, secondary(str("mcfly@hillvalley.edu"), str("123456"), p.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.ID)
	assert.True(t, s.CreatedAt.After(p.CreatedAt))

	found, err := repo.FindByEmailOrPhone(ctx, nil, str("123456"))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, p.ID, found[0].ID)
	assert.Equal(t, s.ID, found[1].ID)

	found, err = repo.FindByEmailOrPhone(ctx, str("mcfly@hillvalley.edu"), nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, s.ID, found[0].ID)

	found, err = repo.FindByEmailOrPhone(ctx, str("nobody@example.com"), str("000"))
	require.NoError(t, err)
	assert.Empty(t, found)

	members, err := repo.FindClusterMembers(ctx, []int64{p.ID})
	require.NoError(t, err)
	require.Len(t, members, 2)

	got, err := repo.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, *got.LinkedID)

	_, err = repo.FindByID(ctx, 99)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	p, err := repo.Create(ctx, primary(str("a@example.com"), nil))
	require.NoError(t, err)
	*p.Email = "mutated@example.com"

	found, err := repo.FindByEmailOrPhone(ctx, str("a@example.com"), nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a@example.com", *found[0].Email)
}

func TestMemoryRepository_CreateConstraints(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	p, err := repo.Create(ctx, primary(str("a@example.com"), str("111")))
	require.NoError(t, err)
	s, err := repo.Create(ctx, secondary(str("b@example.com"), nil, p.ID))
	require.NoError(t, err)

	tests := []struct {
		name  string
		input models.NewContact
		want  error
	}{
		{name: "no identity", input: primary(nil, nil), want: sentinel.ErrConstraintViolation},
		{name: "duplicate primary email", input: primary(str("a@example.com"), nil), want: sentinel.ErrConstraintViolation},
		{name: "duplicate primary phone", input: primary(nil, str("111")), want: sentinel.ErrConstraintViolation},
		{
			name:  "primary with link",
			input: models.NewContact{Email: str("c@example.com"), LinkPrecedence: models.LinkPrecedencePrimary, LinkedID: id64(p.ID)},
			want:  sentinel.ErrConstraintViolation,
		},
		{
			name:  "secondary without link",
			input: models.NewContact{Email: str("c@example.com"), LinkPrecedence: models.LinkPrecedenceSecondary},
			want:  sentinel.ErrConstraintViolation,
		},
		{name: "secondary to missing contact", input: secondary(str("c@example.com"), nil, 42), want: sentinel.ErrConstraintViolation},
		{name: "secondary to secondary", input: secondary(str("c@example.com"), nil, s.ID), want: sentinel.ErrInvariantViolation},
		{name: "unknown precedence", input: models.NewContact{Email: str("c@example.com"), LinkPrecedence: "tertiary"}, want: sentinel.ErrConstraintViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Create(ctx, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// a secondary may repeat a primary's email
	_, err = repo.Create(ctx, secondary(str("a@example.com"), nil, p.ID))
	assert.NoError(t, err)
}

func TestMemoryRepository_DemoteAndRelink(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	older, err := repo.Create(ctx, primary(str("george@hillvalley.edu"), str("919191")))
	require.NoError(t, err)
	newer, err := repo.Create(ctx, primary(str("biffsucks@hillvalley.edu"), str("717171")))
	require.NoError(t, err)
	child, err := repo.Create(ctx, secondary(str("biff@hillvalley.edu"), nil, newer.ID))
	require.NoError(t, err)

	t.Run("demoting a primary that still has secondaries breaks flatness", func(t *testing.T) {
		err := repo.DemoteAndRelink(ctx, newer.ID, older.ID)
		assert.ErrorIs(t, err, sentinel.ErrInvariantViolation)
	})

	t.Run("relinking the whole cluster in one transaction", func(t *testing.T) {
		err := repo.WithTransaction(ctx, func(ctx context.Context) error {
			if err := repo.DemoteAndRelink(ctx, newer.ID, older.ID); err != nil {
				return err
			}
			return repo.DemoteAndRelink(ctx, child.ID, older.ID)
		})
		require.NoError(t, err)

		members, err := repo.FindClusterMembers(ctx, []int64{older.ID})
		require.NoError(t, err)
		require.Len(t, members, 3)
		for _, m := range members[1:] {
			assert.False(t, m.IsPrimary())
			assert.Equal(t, older.ID, *m.LinkedID)
		}

		demoted, err := repo.FindByID(ctx, newer.ID)
		require.NoError(t, err)
		assert.True(t, demoted.UpdatedAt.After(demoted.CreatedAt))
		assert.Equal(t, newer.CreatedAt, demoted.CreatedAt)
	})

	t.Run("errors", func(t *testing.T) {
		assert.ErrorIs(t, repo.DemoteAndRelink(ctx, 99, older.ID), sentinel.ErrNotFound)
		assert.ErrorIs(t, repo.DemoteAndRelink(ctx, older.ID, 99), sentinel.ErrNotFound)
		assert.ErrorIs(t, repo.DemoteAndRelink(ctx, older.ID, older.ID), sentinel.ErrInvariantViolation)
		assert.ErrorIs(t, repo.DemoteAndRelink(ctx, older.ID, child.ID), sentinel.ErrInvariantViolation)
	})
}

func TestMemoryRepository_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	err := repo.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := repo.Create(ctx, primary(str("doc@hillvalley.edu"), nil))
		require.NoError(t, err)

		found, err := repo.FindByEmailOrPhone(ctx, str("doc@hillvalley.edu"), nil)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, p.ID, found[0].ID)

		// nothing is visible outside the transaction before commit
		outside, err := repo.FindByEmailOrPhone(context.Background(), str("doc@hillvalley.edu"), nil)
		require.NoError(t, err)
		assert.Empty(t, outside)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, repo.Contacts(), 1)
}

func TestMemoryRepository_Rollback(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)
	boom := errors.New("boom")

	err := repo.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := repo.Create(ctx, primary(str("a@example.com"), nil))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo.Contacts())

	assert.Panics(t, func() {
		_ = repo.WithTransaction(ctx, func(ctx context.Context) error {
			_, _ = repo.Create(ctx, primary(str("b@example.com"), nil))
			panic("boom")
		})
	})
	assert.Empty(t, repo.Contacts())

	// the aborted transactions must not leave anything behind
	_, err = repo.Create(ctx, primary(str("a@example.com"), nil))
	assert.NoError(t, err)
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	repo := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.WithTransaction(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, sentinel.ErrStoreUnavailable)
}

func TestMemoryRepository_ConflictingTransactionsAbort(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	firstRead := make(chan struct{})
	secondDone := make(chan error, 1)

	err := repo.WithTransaction(ctx, func(ctx context.Context) error {
		found, err := repo.FindByEmailOrPhone(ctx, str("marty@hillvalley.edu"), nil)
		require.NoError(t, err)
		require.Empty(t, found)

		go func() {
			<-firstRead
			secondDone <- repo.WithTransaction(context.Background(), func(ctx context.Context) error {
				_, err := repo.Create(ctx, primary(str("marty@hillvalley.edu"), nil))
				return err
			})
		}()
		close(firstRead)
		require.NoError(t, <-secondDone)

		_, err = repo.Create(ctx, primary(nil, str("555")))
		return err
	})
	assert.ErrorIs(t, err, sentinel.ErrTransactionAborted)
	assert.Len(t, repo.Contacts(), 1)
}

func TestMemoryRepository_DisjointTransactionsCommit(t *testing.T) {
	ctx := context.Background()
	repo := newTestMemory(t)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := string(rune('a'+i)) + "@example.com"
			errs[i] = repo.WithTransaction(ctx, func(ctx context.Context) error {
				if _, err := repo.FindByEmailOrPhone(ctx, &email, nil); err != nil {
					return err
				}
				_, err := repo.Create(ctx, primary(&email, nil))
				return err
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, repo.Contacts(), 20)
}

func TestMemoryRepository_ClockIsMonotonic(t *testing.T) {
	fixed := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	a, err := repo.Create(ctx, primary(str("a@example.com"), nil))
	require.NoError(t, err)
	b, err := repo.Create(ctx, primary(str("b@example.com"), nil))
	require.NoError(t, err)

	assert.Equal(t, fixed, a.CreatedAt)
	assert.True(t, b.CreatedAt.After(a.CreatedAt))
	assert.True(t, a.Before(*b))
}

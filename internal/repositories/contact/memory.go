package contact

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

type memoryTxKey struct{}

// memoryTx buffers writes and records every key it observed. It belongs to
// the goroutine running the transaction.
type memoryTx struct {
	start   uint64
	reads   map[string]struct{}
	writes  map[string]struct{}
	pending map[int64]models.Contact
}

func (tx *memoryTx) read(keys ...string) {
	for _, k := range keys {
		tx.reads[k] = struct{}{}
	}
}

func (tx *memoryTx) write(keys ...string) {
	for _, k := range keys {
		tx.writes[k] = struct{}{}
	}
}

type commitRecord struct {
	version uint64
	writes  map[string]struct{}
}

// MemoryRepository is an in-process identity store with serializable,
// optimistic transactions. A transaction aborts at commit when a transaction
// that committed after it began wrote any key it read or wrote.
type MemoryRepository struct {
	mu       sync.RWMutex
	contacts map[int64]models.Contact
	byEmail  map[string][]int64
	byPhone  map[string][]int64
	byLinked map[int64][]int64
	version  uint64
	commits  []commitRecord
	active   map[*memoryTx]struct{}

	seqMu    sync.Mutex
	nextID   int64
	lastTime time.Time
	now      func() time.Time

	logger ectologger.Logger
}

type MemoryOption func(*MemoryRepository)

// WithClock replaces time.Now for createdAt/updatedAt
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		r.now = now
	}
}

func NewMemoryRepository(logger ectologger.Logger, opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		contacts: make(map[int64]models.Contact),
		byEmail:  make(map[string][]int64),
		byPhone:  make(map[string][]int64),
		byLinked: make(map[int64][]int64),
		active:   make(map[*memoryTx]struct{}),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func emailKey(v string) string   { return "email:" + v }
func phoneKey(v string) string   { return "phone:" + v }
func clusterKey(id int64) string { return "cluster:" + strconv.FormatInt(id, 10) }
func contactKey(id int64) string { return "contact:" + strconv.FormatInt(id, 10) }

func identityKeys(c models.Contact) []string {
	keys := make([]string, 0, 2)
	if c.Email != nil {
		keys = append(keys, emailKey(*c.Email))
	}
	if c.PhoneNumber != nil {
		keys = append(keys, phoneKey(*c.PhoneNumber))
	}
	return keys
}

func (r *MemoryRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrStoreUnavailable, err)
	}

	tx := r.begin()
	defer r.finish(tx)

	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		// a failure seen on an overtaken view is reported as the conflict it is
		if stale := r.validate(ctx, tx); stale != nil {
			return stale
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrStoreUnavailable, err)
	}
	return r.commit(ctx, tx)
}

// inTx runs fn in the ambient transaction or in a single-operation one
func (r *MemoryRepository) inTx(ctx context.Context, fn func(tx *memoryTx) error) error {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		err := fn(tx)
		if stale := r.validate(ctx, tx); stale != nil {
			return stale
		}
		return err
	}
	return r.WithTransaction(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(memoryTxKey{}).(*memoryTx))
	})
}

func (r *MemoryRepository) begin() *memoryTx {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		start:   r.version,
		reads:   make(map[string]struct{}),
		writes:  make(map[string]struct{}),
		pending: make(map[int64]models.Contact),
	}
	r.active[tx] = struct{}{}
	return tx
}

// finish forgets the transaction and drops commit records no live transaction can conflict with
func (r *MemoryRepository) finish(tx *memoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, tx)

	horizon := r.version
	for other := range r.active {
		if other.start < horizon {
			horizon = other.start
		}
	}

	keep := 0
	for keep < len(r.commits) && r.commits[keep].version <= horizon {
		keep++
	}
	r.commits = append(r.commits[:0], r.commits[keep:]...)
}

// validate aborts early once a later commit has overtaken what tx observed.
// Reads see committed state, not a snapshot.
func (r *MemoryRepository) validate(ctx context.Context, tx *memoryTx) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conflict(ctx, tx)
}

// conflict reports the first key tx touched that a later commit wrote. Callers hold r.mu.
func (r *MemoryRepository) conflict(ctx context.Context, tx *memoryTx) error {
	for _, rec := range r.commits {
		if rec.version <= tx.start {
			continue
		}
		if key, ok := overlap(rec.writes, tx.reads, tx.writes); ok {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"key":     key,
				"start":   tx.start,
				"version": rec.version,
			}).Debug("memory transaction aborted by concurrent commit")
			return fmt.Errorf("%w: concurrent write to %s", sentinel.ErrTransactionAborted, key)
		}
	}
	return nil
}

func (r *MemoryRepository) commit(ctx context.Context, tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.conflict(ctx, tx); err != nil {
		return err
	}

	if len(tx.pending) == 0 {
		return nil
	}

	if err := r.checkFlat(tx); err != nil {
		return err
	}

	for id, c := range tx.pending {
		old, existed := r.contacts[id]
		r.contacts[id] = c
		r.reindex(id, old, existed, c)
	}

	r.version++
	r.commits = append(r.commits, commitRecord{version: r.version, writes: tx.writes})
	return nil
}

func overlap(committed map[string]struct{}, sets ...map[string]struct{}) (string, bool) {
	for _, set := range sets {
		for k := range set {
			if _, ok := committed[k]; ok {
				return k, true
			}
		}
	}
	return "", false
}

// checkFlat verifies the post-commit view keeps every secondary one hop from a primary
func (r *MemoryRepository) checkFlat(tx *memoryTx) error {
	for id, c := range tx.pending {
		if c.IsPrimary() {
			continue
		}
		target, ok := r.lookup(tx, *c.LinkedID)
		if !ok || !target.IsPrimary() {
			return fmt.Errorf("%w: contact %d would link to non-primary %d", sentinel.ErrInvariantViolation, id, *c.LinkedID)
		}
		for _, childID := range r.byLinked[id] {
			child, _ := r.lookup(tx, childID)
			if child.LinkedID != nil && *child.LinkedID == id {
				return fmt.Errorf("%w: contact %d demoted while %d still links to it", sentinel.ErrInvariantViolation, id, childID)
			}
		}
	}
	return nil
}

func (r *MemoryRepository) reindex(id int64, old models.Contact, existed bool, c models.Contact) {
	if !existed {
		if c.Email != nil {
			r.byEmail[*c.Email] = append(r.byEmail[*c.Email], id)
		}
		if c.PhoneNumber != nil {
			r.byPhone[*c.PhoneNumber] = append(r.byPhone[*c.PhoneNumber], id)
		}
	}

	if existed && old.LinkedID != nil {
		members := r.byLinked[*old.LinkedID]
		for i, m := range members {
			if m == id {
				r.byLinked[*old.LinkedID] = append(members[:i:i], members[i+1:]...)
				break
			}
		}
		if len(r.byLinked[*old.LinkedID]) == 0 {
			delete(r.byLinked, *old.LinkedID)
		}
	}
	if c.LinkedID != nil {
		r.byLinked[*c.LinkedID] = append(r.byLinked[*c.LinkedID], id)
	}
}

// lookup sees the transaction's own writes first. Callers hold r.mu.
func (r *MemoryRepository) lookup(tx *memoryTx, id int64) (models.Contact, bool) {
	if c, ok := tx.pending[id]; ok {
		return c, true
	}
	c, ok := r.contacts[id]
	return c, ok
}

func (r *MemoryRepository) collect(tx *memoryTx, ids map[int64]struct{}, keep func(models.Contact) bool) []models.Contact {
	out := make([]models.Contact, 0, len(ids))
	for id := range ids {
		c, ok := r.lookup(tx, id)
		if ok && keep(c) {
			out = append(out, c.Clone())
		}
	}
	models.SortContacts(out)
	return out
}

func (r *MemoryRepository) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	_, span := tracing.StartSpan(ctx, "contact.MemoryRepository.FindByEmailOrPhone")
	defer span.End()

	matches := func(c models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone)
	}

	var out []models.Contact
	err := r.inTx(ctx, func(tx *memoryTx) error {
		r.mu.RLock()
		defer r.mu.RUnlock()

		ids := make(map[int64]struct{})
		if email != nil {
			tx.read(emailKey(*email))
			for _, id := range r.byEmail[*email] {
				ids[id] = struct{}{}
			}
		}
		if phone != nil {
			tx.read(phoneKey(*phone))
			for _, id := range r.byPhone[*phone] {
				ids[id] = struct{}{}
			}
		}
		for id, c := range tx.pending {
			if matches(c) {
				ids[id] = struct{}{}
			}
		}

		out = r.collect(tx, ids, matches)
		return nil
	})
	return out, err
}

func (r *MemoryRepository) FindClusterMembers(ctx context.Context, primaryIDs []int64) ([]models.Contact, error) {
	_, span := tracing.StartSpan(ctx, "contact.MemoryRepository.FindClusterMembers")
	defer span.End()

	roots := make(map[int64]struct{}, len(primaryIDs))
	for _, id := range primaryIDs {
		roots[id] = struct{}{}
	}

	inCluster := func(c models.Contact) bool {
		if _, ok := roots[c.ID]; ok {
			return true
		}
		if c.LinkedID == nil {
			return false
		}
		_, ok := roots[*c.LinkedID]
		return ok
	}

	var out []models.Contact
	err := r.inTx(ctx, func(tx *memoryTx) error {
		r.mu.RLock()
		defer r.mu.RUnlock()

		ids := make(map[int64]struct{})
		for root := range roots {
			tx.read(clusterKey(root), contactKey(root))
			ids[root] = struct{}{}
			for _, id := range r.byLinked[root] {
				ids[id] = struct{}{}
			}
		}
		for id := range tx.pending {
			ids[id] = struct{}{}
		}

		out = r.collect(tx, ids, inCluster)
		return nil
	})
	return out, err
}

func (r *MemoryRepository) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	_, span := tracing.StartSpan(ctx, "contact.MemoryRepository.FindByID")
	defer span.End()

	var out *models.Contact
	err := r.inTx(ctx, func(tx *memoryTx) error {
		r.mu.RLock()
		defer r.mu.RUnlock()

		tx.read(contactKey(id))
		c, ok := r.lookup(tx, id)
		if !ok {
			return fmt.Errorf("%w: contact %d", sentinel.ErrNotFound, id)
		}
		clone := c.Clone()
		out = &clone
		return nil
	})
	return out, err
}

func (r *MemoryRepository) Create(ctx context.Context, input models.NewContact) (*models.Contact, error) {
	_, span := tracing.StartSpan(ctx, "contact.MemoryRepository.Create")
	defer span.End()

	if input.Email == nil && input.PhoneNumber == nil {
		return nil, fmt.Errorf("%w: contact needs an email or a phone number", sentinel.ErrConstraintViolation)
	}

	var out *models.Contact
	err := r.inTx(ctx, func(tx *memoryTx) error {
		r.mu.RLock()
		defer r.mu.RUnlock()

		if err := r.checkCreate(tx, input); err != nil {
			return err
		}

		id, createdAt := r.sequence()
		c := models.Contact{
			ID:             id,
			Email:          input.Email,
			PhoneNumber:    input.PhoneNumber,
			LinkPrecedence: input.LinkPrecedence,
			LinkedID:       input.LinkedID,
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		}.Clone()

		tx.pending[id] = c
		tx.write(contactKey(id), clusterKey(c.RootID()))
		tx.write(identityKeys(c)...)

		clone := c.Clone()
		out = &clone
		return nil
	})
	return out, err
}

// checkCreate enforces the rules the Postgres schema expresses as constraints
func (r *MemoryRepository) checkCreate(tx *memoryTx, input models.NewContact) error {
	if !input.LinkPrecedence.IsValid() {
		return fmt.Errorf("%w: unknown link precedence %q", sentinel.ErrConstraintViolation, input.LinkPrecedence)
	}

	switch input.LinkPrecedence {
	case models.LinkPrecedencePrimary:
		if input.LinkedID != nil {
			return fmt.Errorf("%w: a primary cannot link to another contact", sentinel.ErrConstraintViolation)
		}
		if input.Email != nil {
			tx.read(emailKey(*input.Email))
			if r.primaryHolds(tx, r.byEmail[*input.Email], func(c models.Contact) bool {
				return c.Email != nil && *c.Email == *input.Email
			}) {
				return fmt.Errorf("%w: a primary already holds email %s", sentinel.ErrConstraintViolation, *input.Email)
			}
		}
		if input.PhoneNumber != nil {
			tx.read(phoneKey(*input.PhoneNumber))
			if r.primaryHolds(tx, r.byPhone[*input.PhoneNumber], func(c models.Contact) bool {
				return c.PhoneNumber != nil && *c.PhoneNumber == *input.PhoneNumber
			}) {
				return fmt.Errorf("%w: a primary already holds phone %s", sentinel.ErrConstraintViolation, *input.PhoneNumber)
			}
		}
	case models.LinkPrecedenceSecondary:
		if input.LinkedID == nil {
			return fmt.Errorf("%w: a secondary must link to a primary", sentinel.ErrConstraintViolation)
		}
		tx.read(contactKey(*input.LinkedID))
		target, ok := r.lookup(tx, *input.LinkedID)
		if !ok {
			return fmt.Errorf("%w: linked contact %d does not exist", sentinel.ErrConstraintViolation, *input.LinkedID)
		}
		if !target.IsPrimary() {
			return fmt.Errorf("%w: contact %d is not a primary", sentinel.ErrInvariantViolation, target.ID)
		}
	}
	return nil
}

func (r *MemoryRepository) primaryHolds(tx *memoryTx, committed []int64, match func(models.Contact) bool) bool {
	for _, id := range committed {
		if c, ok := r.lookup(tx, id); ok && c.IsPrimary() && match(c) {
			return true
		}
	}
	for _, c := range tx.pending {
		if c.IsPrimary() && match(c) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) DemoteAndRelink(ctx context.Context, id, newLinkedTo int64) error {
	_, span := tracing.StartSpan(ctx, "contact.MemoryRepository.DemoteAndRelink")
	defer span.End()

	return r.inTx(ctx, func(tx *memoryTx) error {
		r.mu.RLock()
		defer r.mu.RUnlock()

		tx.read(contactKey(id), contactKey(newLinkedTo))
		c, ok := r.lookup(tx, id)
		if !ok {
			return fmt.Errorf("%w: contact %d", sentinel.ErrNotFound, id)
		}
		target, ok := r.lookup(tx, newLinkedTo)
		if !ok {
			return fmt.Errorf("%w: contact %d", sentinel.ErrNotFound, newLinkedTo)
		}
		if id == newLinkedTo || !target.IsPrimary() {
			return fmt.Errorf("%w: cannot link %d to %d", sentinel.ErrInvariantViolation, id, newLinkedTo)
		}

		oldRoot := c.RootID()
		updated := c.Clone()
		updated.LinkPrecedence = models.LinkPrecedenceSecondary
		updated.LinkedID = &newLinkedTo
		updated.UpdatedAt = r.stamp()

		tx.pending[id] = updated
		tx.write(contactKey(id), clusterKey(oldRoot), clusterKey(newLinkedTo))
		tx.write(identityKeys(updated)...)
		return nil
	})
}

// Contacts returns every committed contact ordered by (createdAt, id)
func (r *MemoryRepository) Contacts() []models.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c.Clone())
	}
	models.SortContacts(out)
	return out
}

// Ping always succeeds; it lets the memory store stand in for a database in health checks
func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}

// sequence hands out ids and creation times in the same order
func (r *MemoryRepository) sequence() (int64, time.Time) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	r.nextID++
	return r.nextID, r.tick()
}

func (r *MemoryRepository) stamp() time.Time {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	return r.tick()
}

// tick never goes backwards so creation order and id order agree. Callers hold seqMu.
func (r *MemoryRepository) tick() time.Time {
	t := r.now().UTC()
	if !t.After(r.lastTime) {
		t = r.lastTime.Add(time.Microsecond)
	}
	r.lastTime = t
	return t
}

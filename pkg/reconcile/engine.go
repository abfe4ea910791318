// Package reconcile runs identify requests against the identity store: one
// serializable transaction per attempt, retried per error class.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/normalizers"
	"github.com/Ramsey-B/sorrel/pkg/resolver"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// Store is the identity store the engine reconciles against. Operations join
// the transaction carried by ctx.
type Store interface {
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error)
	FindClusterMembers(ctx context.Context, primaryIDs []int64) ([]models.Contact, error)
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	Create(ctx context.Context, input models.NewContact) (*models.Contact, error)
	DemoteAndRelink(ctx context.Context, id, newLinkedTo int64) error
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Gate serializes callers that share identity keys. The returned func
// releases whatever was acquired. A gate never fails a request.
type Gate interface {
	Enter(ctx context.Context, keys []string) func()
}

// Publisher receives every committed reconciliation
type Publisher interface {
	Publish(ctx context.Context, rec *models.Reconciliation) error
}

type Engine struct {
	store     Store
	logger    ectologger.Logger
	policy    RetryPolicy
	gate      Gate
	publisher Publisher
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

func WithGate(gate Gate) Option {
	return func(e *Engine) {
		e.gate = gate
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// NewEngine creates a new reconciliation engine
func NewEngine(store Store, logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger,
		policy: DefaultRetryPolicy(),
		sleep:  sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identify settles the submitted pair onto exactly one cluster and returns
// that cluster's consolidated view.
func (e *Engine) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	rec, err := e.Reconcile(ctx, req)
	if err != nil {
		return nil, err
	}
	return rec.Response, nil
}

// Reconcile is Identify returning the full record of what changed
func (e *Engine) Reconcile(ctx context.Context, req models.IdentifyRequest) (*models.Reconciliation, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Reconcile")
	defer span.End()

	start := time.Now()
	rec, err := e.reconcile(ctx, req)

	outcome := outcomeOf(err)
	metrics.ReconcileRequestsTotal.WithLabelValues(outcome).Inc()
	metrics.ReconcileDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	tracing.RecordError(span, err)

	return rec, err
}

func (e *Engine) reconcile(ctx context.Context, req models.IdentifyRequest) (*models.Reconciliation, error) {
	email := normalizers.Optional(req.Email.Ptr(), normalizers.NormalizeEmail)
	phone := normalizers.Optional(req.PhoneNumber.Ptr(), normalizers.NormalizePhone)
	if email == nil && phone == nil {
		return nil, fmt.Errorf("%w: either email or phoneNumber must be provided", sentinel.ErrBadRequest)
	}

	if e.gate != nil {
		release := e.gate.Enter(ctx, identityKeys(email, phone))
		defer release()
	}

	var rec *models.Reconciliation
	attempts, err := e.withRetry(ctx, "identify", func(ctx context.Context) error {
		r, err := e.settle(ctx, email, phone)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.Attempts = attempts

	e.record(ctx, rec)
	return rec, nil
}

// settle is one attempt. It runs entirely inside the store transaction.
func (e *Engine) settle(ctx context.Context, email, phone *string) (*models.Reconciliation, error) {
	matches, err := e.store.FindByEmailOrPhone(ctx, email, phone)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		created, err := e.store.Create(ctx, models.NewContact{
			Email:          email,
			PhoneNumber:    phone,
			LinkPrecedence: models.LinkPrecedencePrimary,
		})
		if err != nil {
			return nil, err
		}
		return e.project(ctx, created.ID, created, []models.Demotion{})
	}

	members, err := e.store.FindClusterMembers(ctx, resolver.Roots(matches))
	if err != nil {
		return nil, err
	}

	plan, err := resolver.Resolve(members, email, phone)
	if err != nil {
		return nil, err
	}

	if plan.Merges() {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"survivor_id": plan.SurvivorID,
			"demotions":   len(plan.Demotions),
		}).Debug("Merging clusters")
	}
	for _, d := range plan.Demotions {
		if err := e.store.DemoteAndRelink(ctx, d.ID, d.NewLinkedTo); err != nil {
			return nil, err
		}
	}

	var created *models.Contact
	if plan.NeedsNewSecondary {
		survivorID := plan.SurvivorID
		created, err = e.store.Create(ctx, models.NewContact{
			Email:          email,
			PhoneNumber:    phone,
			LinkPrecedence: models.LinkPrecedenceSecondary,
			LinkedID:       &survivorID,
		})
		if err != nil {
			return nil, err
		}
	}

	return e.project(ctx, plan.SurvivorID, created, plan.Demotions)
}

// project re-reads the settled cluster inside the transaction
func (e *Engine) project(ctx context.Context, survivorID int64, created *models.Contact, demotions []models.Demotion) (*models.Reconciliation, error) {
	members, err := e.store.FindClusterMembers(ctx, []int64{survivorID})
	if err != nil {
		return nil, err
	}

	resp, err := Project(survivorID, members)
	if err != nil {
		return nil, err
	}

	return &models.Reconciliation{
		Response:   resp,
		SurvivorID: survivorID,
		Created:    created,
		Demotions:  demotions,
	}, nil
}

// Cluster returns the consolidated view of the cluster a contact belongs to
func (e *Engine) Cluster(ctx context.Context, contactID int64) (*models.IdentifyResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Cluster")
	defer span.End()

	var resp *models.IdentifyResponse
	_, err := e.withRetry(ctx, "cluster", func(ctx context.Context) error {
		contact, err := e.store.FindByID(ctx, contactID)
		if err != nil {
			return err
		}

		rootID := contact.RootID()
		members, err := e.store.FindClusterMembers(ctx, []int64{rootID})
		if err != nil {
			return err
		}

		resp, err = Project(rootID, members)
		return err
	}, sentinel.ErrNotFound)

	tracing.RecordError(span, err)
	return resp, err
}

// withRetry runs fn in a fresh transaction until it commits or its error
// class is exhausted. Errors matching expected are returned untouched.
func (e *Engine) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error, expected ...error) (int, error) {
	state := newRetryState(e.policy)

	for attempt := 1; ; attempt++ {
		err := e.store.WithTransaction(ctx, fn)
		if err == nil {
			return attempt, nil
		}

		for _, target := range expected {
			if errors.Is(err, target) {
				return attempt, err
			}
		}

		delay, reason, terminal := state.next(err)
		if terminal != nil {
			e.logTerminal(ctx, op, attempt, terminal)
			return attempt, terminal
		}

		metrics.ReconcileRetriesTotal.WithLabelValues(reason).Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"operation": op,
			"attempt":   attempt,
			"reason":    reason,
			"delay_ms":  delay.Milliseconds(),
		}).Warn("Retrying reconciliation transaction")

		if err := e.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
		}
	}
}

func (e *Engine) logTerminal(ctx context.Context, op string, attempt int, err error) {
	log := e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"operation": op,
		"attempts":  attempt,
	})
	if errors.Is(err, sentinel.ErrInternal) {
		log.Error("Reconciliation failed on an internal fault")
		return
	}
	log.Warn("Reconciliation gave up")
}

// record reports a committed reconciliation. Publishing is best effort.
func (e *Engine) record(ctx context.Context, rec *models.Reconciliation) {
	fields := map[string]any{
		"primary_contact_id": rec.SurvivorID,
		"demotions":          len(rec.Demotions),
		"attempts":           rec.Attempts,
	}
	if rec.Created != nil {
		fields["created_contact_id"] = rec.Created.ID
		fields["created_precedence"] = rec.Created.LinkPrecedence
		metrics.ContactsCreatedTotal.WithLabelValues(string(rec.Created.LinkPrecedence)).Inc()
	}
	if len(rec.Demotions) > 0 {
		metrics.DemotionsTotal.Add(float64(len(rec.Demotions)))
	}
	e.logger.WithContext(ctx).WithFields(fields).Info("Reconciled contact")

	if e.publisher == nil || !rec.Changed() {
		return
	}
	if err := e.publisher.Publish(ctx, rec); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("primary_contact_id", rec.SurvivorID).Warn("Failed to publish reconciliation events")
	}
}

func identityKeys(email, phone *string) []string {
	keys := make([]string, 0, 2)
	if email != nil {
		keys = append(keys, normalizers.EmailKey(*email))
	}
	if phone != nil {
		keys = append(keys, normalizers.PhoneKey(*phone))
	}
	return keys
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, sentinel.ErrBadRequest):
		return metrics.OutcomeBadRequest
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrConstraintViolation):
		return metrics.OutcomeConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeError
	}
}

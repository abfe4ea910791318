package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const table = "contacts"

var columns = []string{"id", "email", "phone_number", "link_precedence", "linked_id", "created_at", "updated_at"}

// Repository is the Postgres identity store. Every operation runs on the
// transaction carried by ctx when there is one.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	txOpts *sql.TxOptions
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		txOpts: &sql.TxOptions{Isolation: sql.LevelSerializable},
	}
}

// WithTransaction runs fn in one SERIALIZABLE transaction
func (r *Repository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.WithTransaction")
	defer span.End()

	err := r.db.WithTransaction(ctx, r.txOpts, fn)
	tracing.RecordError(span, err)
	return err
}

// Ping reports whether the database answers
func (r *Repository) Ping(ctx context.Context) error {
	return database.Classify(r.db.PingContext(ctx))
}

// FindByEmailOrPhone returns contacts holding either value, oldest first
func (r *Repository) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmailOrPhone")
	defer span.End()

	if email == nil && phone == nil {
		return []models.Contact{}, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...).From(table)
	conds := make([]string, 0, 2)
	if email != nil {
		conds = append(conds, sb.Equal("email", *email))
	}
	if phone != nil {
		conds = append(conds, sb.Equal("phone_number", *phone))
	}
	sb.Where(sb.Or(conds...))
	sb.OrderBy("created_at", "id").Asc()

	return r.selectContacts(ctx, sb, "find contacts by email or phone")
}

// FindClusterMembers returns the given primaries and every contact linked to them
func (r *Repository) FindClusterMembers(ctx context.Context, primaryIDs []int64) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindClusterMembers")
	defer span.End()

	if len(primaryIDs) == 0 {
		return []models.Contact{}, nil
	}

	ids := database.Args(primaryIDs)
	sb := database.NewSelectBuilder()
	sb.Select(columns...).From(table)
	sb.Where(sb.Or(sb.In("id", ids...), sb.In("linked_id", ids...)))
	sb.OrderBy("created_at", "id").Asc()

	return r.selectContacts(ctx, sb, "find cluster members")
}

// FindByID returns one contact
func (r *Repository) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...).From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var contact models.Contact
	if err := r.db.ExecutorFor(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		err = database.Classify(err)
		if !isNotFound(err) {
			r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to get contact")
		}
		return nil, err
	}
	return &contact, nil
}

// Create inserts a contact. The schema rejects a second primary for the same
// email or phone, which surfaces as a constraint violation.
func (r *Repository) Create(ctx context.Context, input models.NewContact) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	if input.Email == nil && input.PhoneNumber == nil {
		return nil, fmt.Errorf("%w: contact needs an email or a phone number", sentinel.ErrConstraintViolation)
	}

	ib := database.NewInsertBuilder().
		InsertInto(table).
		Cols("email", "phone_number", "link_precedence", "linked_id").
		Values(input.Email, input.PhoneNumber, string(input.LinkPrecedence), input.LinkedID).
		Returning(columns...)

	query, args := ib.Build()
	var contact models.Contact
	if err := r.db.ExecutorFor(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		err = database.Classify(err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"link_precedence": input.LinkPrecedence,
		}).Warn("Failed to create contact")
		return nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":              contact.ID,
		"link_precedence": contact.LinkPrecedence,
	}).Debug("Created contact")
	return &contact, nil
}

// DemoteAndRelink makes id a secondary of newLinkedTo
func (r *Repository) DemoteAndRelink(ctx context.Context, id, newLinkedTo int64) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.DemoteAndRelink")
	defer span.End()

	if id == newLinkedTo {
		return fmt.Errorf("%w: contact %d cannot link to itself", sentinel.ErrInvariantViolation, id)
	}

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("link_precedence", string(models.LinkPrecedenceSecondary)),
		ub.Assign("linked_id", newLinkedTo),
		ub.Assign("updated_at", database.Raw("clock_timestamp()")),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.db.ExecutorFor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		err = database.Classify(err)
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Warn("Failed to demote contact")
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return database.Classify(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: contact %d", sentinel.ErrNotFound, id)
	}
	return nil
}

func (r *Repository) selectContacts(ctx context.Context, sb *database.SelectBuilder, action string) ([]models.Contact, error) {
	query, args := sb.Build()
	contacts := []models.Contact{}
	if err := r.db.ExecutorFor(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		err = database.Classify(err)
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to %s", action)
		return nil, err
	}
	return contacts, nil
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, sentinel.ErrNotFound)
}

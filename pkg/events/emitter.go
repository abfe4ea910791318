// Package events turns committed reconciliations into contact events
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// EventPublisher is the part of the Kafka producer the emitter writes through
type EventPublisher interface {
	PublishContactEvents(ctx context.Context, events []*kafka.ContactEvent) error
}

// Emitter handles event emission for sorrel
type Emitter struct {
	producer EventPublisher
	logger   ectologger.Logger
	now      func() time.Time
}

// NewEmitter creates a new event emitter
func NewEmitter(producer EventPublisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish emits one event per change in rec as a single batch
func (e *Emitter) Publish(ctx context.Context, rec *models.Reconciliation) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Publish")
	defer span.End()

	batch := e.build(rec)
	if len(batch) == 0 {
		return nil
	}

	if err := e.producer.PublishContactEvents(ctx, batch); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("primary_contact_id", rec.SurvivorID).Error("Failed to emit contact events")
		tracing.RecordError(span, err)
		return err
	}

	return nil
}

func (e *Emitter) build(rec *models.Reconciliation) []*kafka.ContactEvent {
	now := e.now()
	batch := make([]*kafka.ContactEvent, 0, len(rec.Demotions)+1)

	// merges first so consumers relink before they see the new member
	for _, d := range rec.Demotions {
		batch = append(batch, &kafka.ContactEvent{
			EventID:          uuid.NewString(),
			EventType:        EventContactMerged,
			ContactID:        d.ID,
			PrimaryContactID: d.NewLinkedTo,
			LinkPrecedence:   string(models.LinkPrecedenceSecondary),
			Timestamp:        now,
		})
	}

	if c := rec.Created; c != nil {
		eventType := EventContactLinked
		if c.IsPrimary() {
			eventType = EventContactCreated
		}
		batch = append(batch, &kafka.ContactEvent{
			EventID:          uuid.NewString(),
			EventType:        eventType,
			ContactID:        c.ID,
			PrimaryContactID: c.RootID(),
			Email:            c.Email,
			PhoneNumber:      c.PhoneNumber,
			LinkPrecedence:   string(c.LinkPrecedence),
			Timestamp:        now,
		})
	}

	return batch
}

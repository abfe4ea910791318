package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
)

type capturePublisher struct {
	batches [][]*kafka.ContactEvent
	err     error
}

func (p *capturePublisher) PublishContactEvents(_ context.Context, events []*kafka.ContactEvent) error {
	p.batches = append(p.batches, events)
	return p.err
}

func newTestEmitter(p EventPublisher) *Emitter {
	e := NewEmitter(p, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	e.now = func() time.Time { return time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func strPtr(s string) *string { return &s }

func TestEmitter_Publish(t *testing.T) {
	one := int64(1)

	tests := []struct {
		name  string
		rec   *models.Reconciliation
		types []string
		ids   []int64
	}{
		{
			name: "new primary",
			rec: &models.Reconciliation{SurvivorID: 1, Created: &models.Contact{
				ID: 1, Email: strPtr("a@x.com"), LinkPrecedence: models.LinkPrecedencePrimary,
			}},
			types: []string{EventContactCreated},
			ids:   []int64{1},
		},
		{
			name: "new secondary",
			rec: &models.Reconciliation{SurvivorID: 1, Created: &models.Contact{
				ID: 2, PhoneNumber: strPtr("222"), LinkPrecedence: models.LinkPrecedenceSecondary, LinkedID: &one,
			}},
			types: []string{EventContactLinked},
			ids:   []int64{2},
		},
		{
			name: "merge with a new secondary",
			rec: &models.Reconciliation{
				SurvivorID: 1,
				Demotions:  []models.Demotion{{ID: 3, NewLinkedTo: 1}, {ID: 4, NewLinkedTo: 1}},
				Created: &models.Contact{
					ID: 5, Email: strPtr("e@x.com"), LinkPrecedence: models.LinkPrecedenceSecondary, LinkedID: &one,
				},
			},
			types: []string{EventContactMerged, EventContactMerged, EventContactLinked},
			ids:   []int64{3, 4, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &capturePublisher{}
			require.NoError(t, newTestEmitter(publisher).Publish(context.Background(), tt.rec))
			require.Len(t, publisher.batches, 1)

			batch := publisher.batches[0]
			require.Len(t, batch, len(tt.types))
			for i, event := range batch {
				assert.Equal(t, tt.types[i], event.EventType)
				assert.Equal(t, tt.ids[i], event.ContactID)
				assert.Equal(t, int64(1), event.PrimaryContactID)
				_, err := uuid.Parse(event.EventID)
				assert.NoError(t, err)
				assert.Equal(t, 2023, event.Timestamp.Year())
			}
		})
	}
}

func TestEmitter_CarriesContactValues(t *testing.T) {
	publisher := &capturePublisher{}
	rec := &models.Reconciliation{SurvivorID: 9, Created: &models.Contact{
		ID: 9, Email: strPtr("a@x.com"), PhoneNumber: strPtr("111"), LinkPrecedence: models.LinkPrecedencePrimary,
	}}

	require.NoError(t, newTestEmitter(publisher).Publish(context.Background(), rec))
	event := publisher.batches[0][0]
	assert.Equal(t, "a@x.com", *event.Email)
	assert.Equal(t, "111", *event.PhoneNumber)
	assert.Equal(t, "primary", event.LinkPrecedence)
}

func TestEmitter_NothingChanged(t *testing.T) {
	publisher := &capturePublisher{}
	require.NoError(t, newTestEmitter(publisher).Publish(context.Background(), &models.Reconciliation{SurvivorID: 1}))
	assert.Empty(t, publisher.batches)
}

func TestEmitter_PublishError(t *testing.T) {
	publisher := &capturePublisher{err: errors.New("broker down")}
	rec := &models.Reconciliation{SurvivorID: 1, Demotions: []models.Demotion{{ID: 2, NewLinkedTo: 1}}}

	err := newTestEmitter(publisher).Publish(context.Background(), rec)
	assert.EqualError(t, err, "broker down")
}

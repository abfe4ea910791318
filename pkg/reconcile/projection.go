package reconcile

import (
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// Project builds the consolidated view of a settled cluster. The survivor must
// be the only primary and every other member must link straight to it.
//
// Emails and phone numbers start with the survivor's own values and continue
// with the secondaries' values in (createdAt, id) order, each listed once.
func Project(survivorID int64, members []models.Contact) (*models.IdentifyResponse, error) {
	sorted := make([]models.Contact, len(members))
	copy(sorted, members)
	models.SortContacts(sorted)

	var survivor *models.Contact
	secondaries := make([]models.Contact, 0, len(sorted))
	for i := range sorted {
		if sorted[i].ID == survivorID {
			survivor = &sorted[i]
			continue
		}
		secondaries = append(secondaries, sorted[i])
	}
	if survivor == nil {
		return nil, fmt.Errorf("%w: survivor %d missing from its cluster", sentinel.ErrInvariantViolation, survivorID)
	}
	if !survivor.IsPrimary() {
		return nil, fmt.Errorf("%w: survivor %d is not a primary", sentinel.ErrInvariantViolation, survivorID)
	}

	for _, s := range secondaries {
		if s.IsPrimary() {
			return nil, fmt.Errorf("%w: cluster %d holds a second primary %d", sentinel.ErrInvariantViolation, survivorID, s.ID)
		}
		if s.LinkedID == nil || *s.LinkedID != survivorID {
			return nil, fmt.Errorf("%w: contact %d is not linked to survivor %d", sentinel.ErrInvariantViolation, s.ID, survivorID)
		}
	}

	ordered := append([]models.Contact{*survivor}, secondaries...)
	cluster := models.ContactCluster{
		PrimaryContactID:    survivorID,
		Emails:              distinct(ordered, func(c models.Contact) *string { return c.Email }),
		PhoneNumbers:        distinct(ordered, func(c models.Contact) *string { return c.PhoneNumber }),
		SecondaryContactIDs: ectolinq.Map(secondaries, func(c models.Contact) int64 { return c.ID }),
	}
	if cluster.SecondaryContactIDs == nil {
		cluster.SecondaryContactIDs = []int64{}
	}

	return &models.IdentifyResponse{Contact: cluster}, nil
}

func distinct(contacts []models.Contact, field func(models.Contact) *string) []string {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		v := field(c)
		if v == nil {
			continue
		}
		if _, ok := seen[*v]; ok {
			continue
		}
		seen[*v] = struct{}{}
		out = append(out, *v)
	}
	return out
}

// Package resolver computes how a set of matched contacts collapses into a
// single flat cluster. It performs no I/O.
package resolver

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// MergePlan is the set of writes that settles a request onto one cluster
type MergePlan struct {
	SurvivorID        int64             `json:"survivorId"`
	Demotions         []models.Demotion `json:"demotions"`
	NeedsNewSecondary bool              `json:"needsNewSecondary"`
}

// Merges reports whether the plan joins two or more clusters
func (p *MergePlan) Merges() bool {
	return len(p.Demotions) > 0
}

// Roots returns the distinct cluster roots the contacts belong to, ascending
func Roots(contacts []models.Contact) []int64 {
	seen := make(map[int64]struct{}, len(contacts))
	roots := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		root := c.RootID()
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}

// Survivor picks the primary with the earliest createdAt, lowest id on ties
func Survivor(primaries []models.Contact) (models.Contact, bool) {
	if len(primaries) == 0 {
		return models.Contact{}, false
	}
	survivor := primaries[0]
	for _, p := range primaries[1:] {
		if p.Before(survivor) {
			survivor = p
		}
	}
	return survivor, true
}

// Resolve builds the merge plan for the full membership of every cluster a
// request touched. email and phone are the normalized submitted values.
func Resolve(members []models.Contact, email, phone *string) (*MergePlan, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: resolve called without cluster members", sentinel.ErrInvariantViolation)
	}

	byID := make(map[int64]models.Contact, len(members))
	for _, c := range members {
		byID[c.ID] = c
	}

	primaries := filter(members, func(c models.Contact) bool { return c.IsPrimary() })
	secondaries := filter(members, func(c models.Contact) bool { return !c.IsPrimary() })

	for _, s := range secondaries {
		if s.LinkedID == nil {
			return nil, fmt.Errorf("%w: secondary %d has no linked primary", sentinel.ErrInvariantViolation, s.ID)
		}
		root, ok := byID[*s.LinkedID]
		if !ok {
			return nil, fmt.Errorf("%w: secondary %d links to %d which is not a cluster member", sentinel.ErrInvariantViolation, s.ID, *s.LinkedID)
		}
		if !root.IsPrimary() {
			return nil, fmt.Errorf("%w: secondary %d links to secondary %d", sentinel.ErrInvariantViolation, s.ID, root.ID)
		}
	}

	survivor, ok := Survivor(primaries)
	if !ok {
		return nil, fmt.Errorf("%w: cluster members contain no primary", sentinel.ErrInvariantViolation)
	}

	plan := &MergePlan{
		SurvivorID:        survivor.ID,
		Demotions:         []models.Demotion{},
		NeedsNewSecondary: needsNewSecondary(members, email, phone),
	}

	demoted := filter(primaries, func(c models.Contact) bool { return c.ID != survivor.ID })
	if len(demoted) == 0 {
		return plan, nil
	}
	models.SortContacts(demoted)

	demotedIDs := make(map[int64]struct{}, len(demoted))
	for _, p := range demoted {
		demotedIDs[p.ID] = struct{}{}
		plan.Demotions = append(plan.Demotions, models.Demotion{ID: p.ID, NewLinkedTo: survivor.ID})
	}

	// secondaries of a demoted root move straight to the survivor so no chain is ever committed
	relinked := filter(secondaries, func(c models.Contact) bool {
		_, ok := demotedIDs[*c.LinkedID]
		return ok
	})
	models.SortContacts(relinked)
	for _, s := range relinked {
		plan.Demotions = append(plan.Demotions, models.Demotion{ID: s.ID, NewLinkedTo: survivor.ID})
	}

	return plan, nil
}

// needsNewSecondary is true when a supplied value is absent from the cluster.
// A value that exists anywhere in the cluster counts as recorded, whatever it
// was paired with.
func needsNewSecondary(members []models.Contact, email, phone *string) bool {
	emails := make(map[string]struct{}, len(members))
	phones := make(map[string]struct{}, len(members))
	for _, c := range members {
		if c.Email != nil {
			emails[*c.Email] = struct{}{}
		}
		if c.PhoneNumber != nil {
			phones[*c.PhoneNumber] = struct{}{}
		}
	}

	if email != nil {
		if _, ok := emails[*email]; !ok {
			return true
		}
	}
	if phone != nil {
		if _, ok := phones[*phone]; !ok {
			return true
		}
	}
	return false
}

func filter(contacts []models.Contact, keep func(models.Contact) bool) []models.Contact {
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

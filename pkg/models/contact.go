package models

import (
	"sort"
	"time"
)

// LinkPrecedence is the role a contact plays inside its cluster
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// IsValid reports whether p is a known precedence
func (p LinkPrecedence) IsValid() bool {
	return p == LinkPrecedencePrimary || p == LinkPrecedenceSecondary
}

// Contact is a single submitted (email, phone) record.
// A secondary always links directly to the primary of its cluster.
type Contact struct {
	ID             int64          `json:"id" db:"id"`
	Email          *string        `json:"email" db:"email"`
	PhoneNumber    *string        `json:"phoneNumber" db:"phone_number"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence" db:"link_precedence"`
	LinkedID       *int64         `json:"linkedId" db:"linked_id"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time      `json:"updatedAt" db:"updated_at"`
}

// IsPrimary reports whether the contact is the root of its cluster
func (c Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// RootID returns the id of the primary that owns this contact
func (c Contact) RootID() int64 {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID
	}
	return *c.LinkedID
}

// Before orders contacts by creation time, then id
func (c Contact) Before(other Contact) bool {
	if c.CreatedAt.Equal(other.CreatedAt) {
		return c.ID < other.ID
	}
	return c.CreatedAt.Before(other.CreatedAt)
}

// Clone returns a deep copy so callers cannot alias stored pointers
func (c Contact) Clone() Contact {
	out := c
	if c.Email != nil {
		email := *c.Email
		out.Email = &email
	}
	if c.PhoneNumber != nil {
		phone := *c.PhoneNumber
		out.PhoneNumber = &phone
	}
	if c.LinkedID != nil {
		linked := *c.LinkedID
		out.LinkedID = &linked
	}
	return out
}

// SortContacts sorts in place by (createdAt, id) ascending
func SortContacts(contacts []Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].Before(contacts[j])
	})
}

// NewContact holds the fields supplied when a contact is created
type NewContact struct {
	Email          *string
	PhoneNumber    *string
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
}

// Demotion reassigns a contact to a new primary, demoting it if it was one
type Demotion struct {
	ID          int64 `json:"id"`
	NewLinkedTo int64 `json:"newLinkedTo"`
}

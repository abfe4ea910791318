package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FlexString is an optional string that also accepts JSON numbers,
// since phone numbers are frequently submitted numerically.
type FlexString struct {
	Value string
	Set   bool
}

// NewFlexString returns a present value
func NewFlexString(v string) FlexString {
	return FlexString{Value: v, Set: true}
}

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexString{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString{Value: s, Set: true}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString{Value: n.String(), Set: true}
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalYAML lets batch files use the same shape as the HTTP body
func (f *FlexString) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*f = FlexString{}
	case string:
		*f = FlexString{Value: v, Set: true}
	default:
		*f = FlexString{Value: fmt.Sprint(v), Set: true}
	}
	return nil
}

// Ptr returns nil when the value is absent or blank
func (f FlexString) Ptr() *string {
	if !f.Set || strings.TrimSpace(f.Value) == "" {
		return nil
	}
	v := f.Value
	return &v
}

// IdentifyRequest is one submitted (email, phone) pair
type IdentifyRequest struct {
	Email       FlexString `json:"email" yaml:"email" validate:"omitempty,email,max=320"`
	PhoneNumber FlexString `json:"phoneNumber" yaml:"phoneNumber" validate:"omitempty,max=32"`
}

// ContactCluster is the consolidated view of one person
type ContactCluster struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the success body of an identify call
type IdentifyResponse struct {
	Contact ContactCluster `json:"contact"`
}

// Reconciliation describes what one identify call changed. It is handed to
// event publishers after the transaction commits.
type Reconciliation struct {
	Response   *IdentifyResponse
	SurvivorID int64
	Created    *Contact
	Demotions  []Demotion
	Attempts   int
}

// Changed reports whether the call wrote anything
func (r *Reconciliation) Changed() bool {
	return r.Created != nil || len(r.Demotions) > 0
}

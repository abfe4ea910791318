// Package normalizers produces the canonical forms contacts are matched on.
// Matching is exact on the canonical form; nothing here is fuzzy.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// NormalizeEmail trims an email address and lowercases its domain. The
// local part is kept as submitted.
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	return s[:at+1] + strings.ToLower(s[at+1:])
}

// NormalizePhone drops whitespace and the usual separators ( ) - . /
// A leading + is kept, any other character is kept as submitted.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)

	var result strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
		case r == '(' || r == ')' || r == '-' || r == '.' || r == '/':
		case r == '+' && i != 0:
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Optional applies fn to a present value and maps blanks to nil
func Optional(v *string, fn Normalizer) *string {
	if v == nil {
		return nil
	}
	out := fn(*v)
	if out == "" {
		return nil
	}
	return &out
}

// EmailKey and PhoneKey name the identity keys used by the contention gate
func EmailKey(email string) string { return "email:" + email }

func PhoneKey(phone string) string { return "phone:" + phone }

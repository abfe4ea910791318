package sentinel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "aborted transaction", err: fmt.Errorf("%w: could not serialize access", ErrTransactionAborted), expected: true},
		{name: "store unavailable", err: fmt.Errorf("%w: connection refused", ErrStoreUnavailable), expected: true},
		{name: "constraint violation", err: fmt.Errorf("%w: duplicate key", ErrConstraintViolation), expected: true},
		{name: "bad request", err: ErrBadRequest, expected: false},
		{name: "invariant violation", err: ErrInvariantViolation, expected: false},
		{name: "not found", err: ErrNotFound, expected: false},
		{name: "exhausted conflict", err: ErrConflict, expected: false},
		{name: "plain error", err: errors.New("boom"), expected: false},
		{name: "nil", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/Ramsey-B/sorrel/pkg/sentinel"
)

// Classify maps driver errors onto the sentinel taxonomy. Errors that are
// already classified, and errors it does not recognise, pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	for _, known := range []error{
		sentinel.ErrTransactionAborted,
		sentinel.ErrConstraintViolation,
		sentinel.ErrStoreUnavailable,
		sentinel.ErrNotFound,
		sentinel.ErrInvariantViolation,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if class := classifyCode(pqErr.Code); class != nil {
			return fmt.Errorf("%w: %w", class, err)
		}
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", sentinel.ErrNotFound, err)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", sentinel.ErrStoreUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", sentinel.ErrStoreUnavailable, err)
	}

	return err
}

func classifyCode(code pq.ErrorCode) error {
	switch code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return sentinel.ErrTransactionAborted
	case "23505", "23502", "23503", "23514": // unique, not null, foreign key, check
		return sentinel.ErrConstraintViolation
	case "57014", "55P03": // query_canceled (statement timeout), lock_not_available
		return sentinel.ErrStoreUnavailable
	}

	switch code.Class() {
	case "08", "53", "57": // connection exception, insufficient resources, operator intervention
		return sentinel.ErrStoreUnavailable
	}
	return nil
}

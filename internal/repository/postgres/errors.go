package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
)

// pq error codes that signal the server or connection is unusable rather than
// that the statement itself was wrong.
var unavailableCodes = map[pq.ErrorCode]bool{
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

// isUnavailable reports whether err means the store could not be reached or
// did not answer in time.
func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception
		return pqErr.Code.Class() == "08" || unavailableCodes[pqErr.Code]
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// mapError converts driver errors into application errors. op names the
// failed operation for the message.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if isUnavailable(err) {
		return apperrors.StorageUnavailable(fmt.Sprintf("failed to %s: storage unavailable", op), err)
	}
	if isUniqueViolation(err) {
		return apperrors.Conflict(fmt.Sprintf("failed to %s: duplicate", op), err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// notFound maps sql.ErrNoRows to a NotFound error for resource.
func notFound(resource string, op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(resource, err)
	}
	return mapError(op, err)
}

func inPlaceholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

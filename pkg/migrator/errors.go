package migrator

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/planner"
)

// serverError is the driver-independent view of a PostgreSQL error report.
type serverError struct {
	Code   string
	Detail string
	Hint   string
}

// asServerError extracts the server error from either supported driver.
func asServerError(err error) (serverError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return serverError{Code: pgErr.Code, Detail: pgErr.Detail, Hint: pgErr.Hint}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return serverError{Code: string(pqErr.Code), Detail: pqErr.Detail, Hint: pqErr.Hint}, true
	}
	return serverError{}, false
}

// isConnectionError reports whether err means the database could not be
// reached or the session was lost.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if se, ok := asServerError(err); ok {
		return pgerrcode.IsConnectionException(se.Code) ||
			pgerrcode.IsInvalidAuthorizationSpecification(se.Code) ||
			se.Code == pgerrcode.InvalidCatalogName ||
			se.Code == pgerrcode.CannotConnectNow ||
			se.Code == pgerrcode.AdminShutdown
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn)
}

// classify wraps err with pgm.ErrConnection when it is a connectivity failure.
func classify(err error, what string) error {
	if isConnectionError(err) {
		return fmt.Errorf("%w: %s: %v", pgm.ErrConnection, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// executionError reports which action failed. Connectivity failures are
// reported as such rather than blamed on the action's SQL.
func executionError(target string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%w: applying %s: %v", pgm.ErrConnection, target, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("applying %s: %w", target, err)
	}
	e := &pgm.ExecutionError{Target: target, Err: err}
	if se, ok := asServerError(err); ok {
		e.Code, e.Detail, e.Hint = se.Code, se.Detail, se.Hint
	}
	return e
}

func actionError(a *planner.Action, err error) error {
	return executionError(a.Target(), err)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyInitialized = errors.New("adapter already initialized")
	ErrUnknownDataSource  = errors.New("unknown data source")
	ErrQueryCancelled     = errors.New("query cancelled")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrQueueTimeout       = errors.New("rate limit queue timeout")
)

// ValidationError reports bad configuration detected before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

// ConnectionError wraps a failure to open or verify an engine connection.
type ConnectionError struct {
	DataSource DataSourceType
	Cause      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.DataSource, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// QueryError is an engine rejection of a statement. It keeps the statement
// so the caller can decide whether to retry, rephrase or report.
type QueryError struct {
	SQL   string
	Cause error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (sql: %s)", e.Cause, truncateSQL(e.SQL))
}

func (e *QueryError) Unwrap() error { return e.Cause }

// QueryCancellationError is returned when an execution was cancelled, either
// explicitly or because its timeout fired.
type QueryCancellationError struct {
	SQL     string
	Timeout bool
}

func (e *QueryCancellationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("query timed out and was cancelled (sql: %s)", truncateSQL(e.SQL))
	}
	return fmt.Sprintf("query cancelled (sql: %s)", truncateSQL(e.SQL))
}

func (e *QueryCancellationError) Is(target error) bool {
	switch target {
	case ErrQueryCancelled:
		return true
	case ErrQueryTimeout:
		return e.Timeout
	}
	return false
}

// QueryTimeoutError is returned when the enforced timeout elapsed.
type QueryTimeoutError struct {
	SQL     string
	Timeout string
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query exceeded timeout of %s (sql: %s)", e.Timeout, truncateSQL(e.SQL))
}

func (e *QueryTimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// IntrospectionWarning records a metadata sub-fetch that failed and was skipped.
type IntrospectionWarning struct {
	Scope string
	Cause error
}

func (w *IntrospectionWarning) Error() string {
	return fmt.Sprintf("introspection of %s skipped: %v", w.Scope, w.Cause)
}

func (w *IntrospectionWarning) Unwrap() error { return w.Cause }

// WrapQueryError attaches the statement to a driver error. Timeouts and
// cancellations already carrying the statement are returned unchanged.
func WrapQueryError(sql string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) || errors.Is(err, ErrQueryCancelled) || errors.Is(err, ErrQueryTimeout) || errors.Is(err, ErrNotConnected) {
		return err
	}
	return &QueryError{SQL: sql, Cause: err}
}

func truncateSQL(sql string) string {
	const max = 500
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}

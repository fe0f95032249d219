// Package runner executes SQL against a source backend and streams the
// result set into a staging file. One runner variant exists per supported
// backend; the factory selects it by the scheme of the decrypted source
// connection string.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrCancelled reports that the execution was cancelled through the
	// backend's own cancel API.
	ErrCancelled = errors.New("query execution cancelled")

	// ErrNotRunning reports that no live execution carries the runner's
	// application tag.
	ErrNotRunning = errors.New("query is not running")
)

// SQLExecutionError wraps a backend failure while executing user SQL.
type SQLExecutionError struct {
	Err error
}

func (e *SQLExecutionError) Error() string {
	return fmt.Sprintf("sql execution failed: %v", e.Err)
}

func (e *SQLExecutionError) Unwrap() error { return e.Err }

// Runner executes one query against its source.
type Runner interface {
	// ExecuteToFile runs the query with a streaming cursor and writes
	// column headers plus rows to the staging file at writeTo.
	ExecuteToFile(ctx context.Context, query, writeTo string) error

	// Cancel cancels a currently running execution belonging to this
	// runner's query. Returns ErrNotRunning when no live execution is
	// found under the application tag.
	Cancel(ctx context.Context, queryGUID string) error
}

// Factory builds runners keyed by the URL scheme of the source connection
// string. The table is closed; adding a backend is a code change.
type Factory struct{}

// NewFactory returns the runner factory.
func NewFactory() *Factory {
	return &Factory{}
}

// ForSource returns a runner for the (decrypted) source connection string.
func (f *Factory) ForSource(connString string, queryID int64) (Runner, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("parse source connection string: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return NewPostgresRunner(connString, queryID), nil
	case "clickhouse":
		return NewClickhouseRunner(connString, queryID), nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// appTag is the stable string stamped on the source-DB session so that
// cancellation can find the execution in the backend's session registry.
func appTag(queryID int64) string {
	return fmt.Sprintf("sdwh_%d", queryID)
}

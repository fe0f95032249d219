// Package materialize turns a staging file into a durable destination.
package materialize

import (
	"context"
	"errors"

	"github.com/n3dwh/query-executor/internal/model"
)

// SeqColumn is the synthetic order column the table materializer adds to
// every result table. Result sets must not use the name themselves.
const SeqColumn = "__dwh_seq__"

// ErrReservedColumn reports a result set that uses the reserved order
// column name.
var ErrReservedColumn = errors.New(`result set uses the reserved column name "` + SeqColumn + `"`)

// Result is what a materializer reports back for one destination.
type Result struct {
	// Path is the destination locator: the result table name for the
	// table materializer, the object key for the file materializer.
	Path string

	// AccessCreds is opaque JSON giving read access to the destination.
	// Empty when the destination needs none.
	AccessCreds string
}

// Materializer consumes the staging file of a finished execution and
// produces one durable destination.
type Materializer interface {
	Materialize(ctx context.Context, run *model.QueryExecution, stagingPath string) (*Result, error)
}

// Registry maps destination type tags to materializers. Unknown tags are
// skipped by the engine, not failed.
type Registry map[string]Materializer

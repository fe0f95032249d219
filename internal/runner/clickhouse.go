package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/staging"
)

// ClickHouse server error code QUERY_WAS_CANCELLED.
const chCodeQueryCancelled = 394

// ClickhouseRunner executes a query over the native protocol. The execution
// is tagged with a query_id so Cancel can find it in system.processes, and
// runs with replace_running_query=1 so a resubmitted tag displaces a stale
// execution instead of failing.
type ClickhouseRunner struct {
	connString string
	queryID    int64

	// swapped in tests
	open func(connString string) (chdriver.Conn, error)
}

// NewClickhouseRunner builds a runner over a clickhouse:// connection string.
func NewClickhouseRunner(connString string, queryID int64) *ClickhouseRunner {
	return &ClickhouseRunner{
		connString: connString,
		queryID:    queryID,
		open:       openClickhouse,
	}
}

func openClickhouse(connString string) (chdriver.Conn, error) {
	opts, err := clickhouse.ParseDSN(connString)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse connection string: %w", err)
	}
	return clickhouse.Open(opts)
}

func (r *ClickhouseRunner) tag() string { return appTag(r.queryID) }

// ExecuteToFile streams the query's result blocks into the staging file.
func (r *ClickhouseRunner) ExecuteToFile(ctx context.Context, query, writeTo string) error {
	conn, err := r.open(r.connString)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer conn.Close()

	qctx := clickhouse.Context(ctx,
		clickhouse.WithQueryID(r.tag()),
		clickhouse.WithSettings(clickhouse.Settings{"replace_running_query": 1}),
	)

	rows, err := conn.Query(qctx, query)
	if err != nil {
		return mapClickhouseError(err)
	}
	defer rows.Close()

	names := rows.Columns()
	colTypes := rows.ColumnTypes()
	typeNames := make([]string, len(colTypes))
	for i, ct := range colTypes {
		typeNames[i] = ct.DatabaseTypeName()
	}

	w, err := staging.NewWriter(writeTo)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.WriteHeader(names, typeNames); err != nil {
		return err
	}

	for rows.Next() {
		ptrs := make([]interface{}, len(colTypes))
		for i, ct := range colTypes {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(ptrs...); err != nil {
			return mapClickhouseError(err)
		}
		vals := make([]interface{}, len(ptrs))
		for i, p := range ptrs {
			vals[i] = normalizeClickhouseValue(reflect.ValueOf(p).Elem())
		}
		if err := w.WriteRow(vals); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return mapClickhouseError(err)
	}
	return w.Close()
}

// Cancel locates the execution by query_id in system.processes and kills it.
func (r *ClickhouseRunner) Cancel(ctx context.Context, queryGUID string) error {
	conn, err := r.open(r.connString)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer conn.Close()

	var qid string
	err = conn.QueryRow(ctx, "SELECT query_id FROM system.processes WHERE query_id = ?", r.tag()).Scan(&qid)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("find running execution: %w", err)
	}

	log.WithFields(log.Fields{
		"query_id": r.queryID,
		"guid":     queryGUID,
	}).Info("cancelling clickhouse execution")

	// the tag is generated internally, never user input
	if err := conn.Exec(ctx, fmt.Sprintf("KILL QUERY WHERE query_id = '%s'", r.tag())); err != nil {
		return fmt.Errorf("kill query: %w", err)
	}
	return nil
}

// mapClickhouseError translates backend errors into the runner's error
// kinds. A cancelled execution surfaces as server exception 394.
func mapClickhouseError(err error) error {
	var ex *clickhouse.Exception
	if errors.As(err, &ex) && ex.Code == chCodeQueryCancelled {
		return ErrCancelled
	}
	return &SQLExecutionError{Err: err}
}

// normalizeClickhouseValue unwraps Nullable scan targets so nulls land in
// the staging file as nil rather than typed nil pointers.
func normalizeClickhouseValue(v reflect.Value) interface{} {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		return v.Elem().Interface()
	}
	return v.Interface()
}

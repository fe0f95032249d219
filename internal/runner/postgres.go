package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/staging"
)

// pg error code raised on the cursor side when pg_cancel_backend fires.
const pgCodeQueryCanceled = "57014"

// fetchBatchSize bounds how many rows one FETCH pulls from the server
// cursor, so memory use stays flat for arbitrarily large result sets.
const fetchBatchSize = 500

// PostgresRunner executes a query over a named server-side cursor. The
// execution session is tagged via application_name so Cancel can find it in
// pg_stat_activity.
type PostgresRunner struct {
	connString string
	queryID    int64

	// swapped in tests
	open func(driverName, dsn string) (*sql.DB, error)
}

// NewPostgresRunner builds a runner over a plain postgres connection string.
func NewPostgresRunner(connString string, queryID int64) *PostgresRunner {
	return &PostgresRunner{
		connString: connString,
		queryID:    queryID,
		open:       sql.Open,
	}
}

func (r *PostgresRunner) tag() string { return appTag(r.queryID) }

// ExecuteToFile declares a server cursor for the query inside one
// transaction and drains it batch by batch into the staging file.
func (r *PostgresRunner) ExecuteToFile(ctx context.Context, query, writeTo string) error {
	dsn, err := withAppName(r.connString, r.tag())
	if err != nil {
		return fmt.Errorf("source connection string: %w", err)
	}
	db, err := r.open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer db.Close()
	// one session only: the cursor lives inside a single transaction
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	cursor := pq.QuoteIdentifier(fmt.Sprintf("sdwh_cursor_%d", r.queryID))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", cursor, query)); err != nil {
		return mapPostgresError(err)
	}

	w, err := staging.NewWriter(writeTo)
	if err != nil {
		return err
	}
	defer w.Close()

	wroteHeader := false
	var typeNames []string
	for {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("FETCH %d FROM %s", fetchBatchSize, cursor))
		if err != nil {
			return mapPostgresError(err)
		}

		if !wroteHeader {
			names, err := rows.Columns()
			if err != nil {
				rows.Close()
				return mapPostgresError(err)
			}
			colTypes, err := rows.ColumnTypes()
			if err != nil {
				rows.Close()
				return mapPostgresError(err)
			}
			typeNames = make([]string, len(colTypes))
			for i, ct := range colTypes {
				typeNames[i] = ct.DatabaseTypeName()
			}
			if err := w.WriteHeader(names, typeNames); err != nil {
				rows.Close()
				return err
			}
			wroteHeader = true
		}

		fetched := 0
		for rows.Next() {
			vals := make([]interface{}, len(typeNames))
			ptrs := make([]interface{}, len(typeNames))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return mapPostgresError(err)
			}
			for i, v := range vals {
				vals[i] = normalizePostgresValue(v, typeNames[i])
			}
			if err := w.WriteRow(vals); err != nil {
				rows.Close()
				return err
			}
			fetched++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return mapPostgresError(err)
		}
		rows.Close()

		if fetched == 0 {
			break
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CLOSE %s", cursor)); err != nil {
		return mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPostgresError(err)
	}
	return w.Close()
}

// Cancel looks the execution up by application tag in pg_stat_activity and
// asks the backend to cancel it.
func (r *PostgresRunner) Cancel(ctx context.Context, queryGUID string) error {
	db, err := r.open("postgres", r.connString)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer db.Close()

	var pid int
	var running string
	err = db.QueryRowContext(ctx, `
		SELECT pid, query FROM pg_stat_activity
		WHERE state = 'active' AND application_name = $1
	`, r.tag()).Scan(&pid, &running)
	if err == sql.ErrNoRows {
		return ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("find running execution: %w", err)
	}

	log.WithFields(log.Fields{
		"query_id": r.queryID,
		"guid":     queryGUID,
		"pid":      pid,
	}).Info("cancelling postgres execution")

	if _, err := db.ExecContext(ctx, "SELECT pg_cancel_backend($1)", pid); err != nil {
		return fmt.Errorf("pg_cancel_backend: %w", err)
	}
	return nil
}

// withAppName adds application_name to the connection URL, preserving any
// existing query parameters.
func withAppName(connString, name string) (string, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("application_name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mapPostgresError translates backend errors into the runner's error kinds.
func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgCodeQueryCanceled {
		return ErrCancelled
	}
	return &SQLExecutionError{Err: err}
}

// normalizePostgresValue keeps staging values to the primitive set the codec
// supports. lib/pq hands most non-core types back as []byte; those become
// strings except for actual bytea columns.
func normalizePostgresValue(v interface{}, typeName string) interface{} {
	if b, ok := v.([]byte); ok && typeName != "BYTEA" {
		return string(b)
	}
	return v
}

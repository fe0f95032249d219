// Package store persists QueryExecution rows and their destinations in the
// operational database.
//
// Schema (see the control-plane migrations): table "queries" holds one row
// per submission, table "results" one row per declared destination.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/crypto"
	"github.com/n3dwh/query-executor/internal/model"
)

var (
	// ErrNotFound is returned when no run matches the given key.
	ErrNotFound = errors.New("query execution not found")

	// ErrLockUnavailable is returned when a NOWAIT row lock cannot be
	// acquired (key rotation racing another rotation).
	ErrLockUnavailable = errors.New("query execution rows are locked")
)

// lib/pq error codes observed by this package.
const (
	pgCodeLockNotAvailable = "55P03"
)

// Store gives access to the operational database.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateQueryExecution inserts the run row plus one declared destination row
// per requested type, in declared order. It fills in qe.ID, qe.Status and
// the destination slice.
func (s *Store) CreateQueryExecution(ctx context.Context, qe *model.QueryExecution, destTypes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO queries (guid, query, source_conn, identity_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id
	`, qe.GUID, qe.Query, qe.SourceConn, qe.IdentityID, model.StatusCreated).Scan(&qe.ID)
	if err != nil {
		return fmt.Errorf("insert query execution: %w", err)
	}
	qe.Status = model.StatusCreated

	for _, dt := range destTypes {
		dest := &model.QueryDestination{QueryID: qe.ID, Type: dt, Status: model.DestDeclared}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO results (query_id, dest_type, status)
			VALUES ($1, $2, $3)
			RETURNING id
		`, qe.ID, dt, model.DestDeclared).Scan(&dest.ID)
		if err != nil {
			return fmt.Errorf("insert destination %q: %w", dt, err)
		}
		qe.Destinations = append(qe.Destinations, dest)
	}

	return tx.Commit()
}

const queryColumns = `id, guid, query, source_conn, identity_id, status, coalesce(error_description, ''), created_at, updated_at`

// GetByGUID loads a run and its destinations by external guid.
func (s *Store) GetByGUID(ctx context.Context, guid string) (*model.QueryExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE guid = $1`, guid)
	return s.scanWithDestinations(ctx, row)
}

// GetByID loads a run and its destinations by primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (*model.QueryExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = $1`, id)
	return s.scanWithDestinations(ctx, row)
}

func (s *Store) scanWithDestinations(ctx context.Context, row *sql.Row) (*model.QueryExecution, error) {
	var qe model.QueryExecution
	err := row.Scan(&qe.ID, &qe.GUID, &qe.Query, &qe.SourceConn, &qe.IdentityID,
		&qe.Status, &qe.ErrorDescription, &qe.CreatedAt, &qe.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query execution row: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query_id, dest_type, status, coalesce(path, ''),
		       coalesce(access_creds, ''), coalesce(error_description, ''), finished_at
		FROM results WHERE query_id = $1 ORDER BY id
	`, qe.ID)
	if err != nil {
		return nil, fmt.Errorf("destination rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d model.QueryDestination
		var finished sql.NullTime
		if err := rows.Scan(&d.ID, &d.QueryID, &d.Type, &d.Status, &d.Path,
			&d.AccessCreds, &d.ErrorDescription, &finished); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			d.FinishedAt = &t
		}
		qe.Destinations = append(qe.Destinations, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("destination rows: %w", err)
	}
	return &qe, nil
}

// SetStatus transitions a run to status, guarded so a terminal row is never
// overwritten. The returned bool is false when the guard dropped the write.
func (s *Store) SetStatus(ctx context.Context, id int64, status model.QueryStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queries SET status = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`, id, status, model.StatusDone, model.StatusCancelled, model.StatusError)
	if err != nil {
		return false, fmt.Errorf("set status %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetError transitions a run to error with an operator-readable description,
// under the same terminal-state guard as SetStatus.
func (s *Store) SetError(ctx context.Context, id int64, desc string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queries SET status = $2, error_description = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($2, $4, $5)
	`, id, model.StatusError, desc, model.StatusDone, model.StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("set error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetDestinationUploaded records a successful materialization.
func (s *Store) SetDestinationUploaded(ctx context.Context, destID int64, path, creds string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE results SET status = $2, path = $3, access_creds = $4, finished_at = now()
		WHERE id = $1
	`, destID, model.DestUploaded, path, creds)
	if err != nil {
		return fmt.Errorf("set destination uploaded: %w", err)
	}
	return nil
}

// SetDestinationError records a failed materialization.
func (s *Store) SetDestinationError(ctx context.Context, destID int64, desc string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE results SET status = $2, error_description = $3, finished_at = now()
		WHERE id = $1
	`, destID, model.DestError, desc)
	if err != nil {
		return fmt.Errorf("set destination error: %w", err)
	}
	return nil
}

// MarkDestinationsDeleted flags every destination of the given runs as
// deleted after their result tables were dropped.
func (s *Store) MarkDestinationsDeleted(ctx context.Context, queryIDs []int64) error {
	if len(queryIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE results SET status = $1, finished_at = now()
		WHERE query_id = ANY($2)
	`, model.DestDeleted, pq.Array(queryIDs))
	if err != nil {
		return fmt.Errorf("mark destinations deleted: %w", err)
	}
	return nil
}

// ResolveCancelRace implements the engine side of the cancellation race:
// after the runner reports a cancelled execution, the row is re-read under
// FOR UPDATE. If a concurrent Terminate already flipped it to cancelled the
// engine has nothing left to do; otherwise the row becomes error with
// description "Cancelled". Returns alreadyCancelled.
func (s *Store) ResolveCancelRace(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status model.QueryStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM queries WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock query execution: %w", err)
	}

	if status == model.StatusCancelled {
		return true, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queries SET status = $2, error_description = $3, updated_at = now()
		WHERE id = $1
	`, id, model.StatusError, "Cancelled")
	if err != nil {
		return false, fmt.Errorf("set error after cancel: %w", err)
	}
	return false, tx.Commit()
}

// CancelUnderLock locks the run row, invokes cancel against the source
// backend and flips the row to cancelled only when the backend cancel
// succeeded. Lock, cancel and status write share one transaction: the race
// with the engine's error branch is decided by whichever commit lands first.
func (s *Store) CancelUnderLock(ctx context.Context, id int64, cancel func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status model.QueryStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM queries WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock query execution: %w", err)
	}

	if err := cancel(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queries SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, model.StatusCancelled)
	if err != nil {
		return fmt.Errorf("set cancelled: %w", err)
	}
	return tx.Commit()
}

// RotateKey re-encrypts every source connection string sealed with oldKey
// under newKey. All rows are locked with FOR UPDATE NOWAIT for the duration;
// rows that do not authenticate under oldKey are left untouched. Returns the
// number of rows rewritten.
func (s *Store) RotateKey(ctx context.Context, oldKey, newKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, source_conn FROM queries FOR UPDATE NOWAIT`)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pgCodeLockNotAvailable {
			return 0, ErrLockUnavailable
		}
		return 0, fmt.Errorf("lock query executions: %w", err)
	}

	type update struct {
		id   int64
		conn string
	}
	var updates []update
	for rows.Next() {
		var id int64
		var conn string
		if err := rows.Scan(&id, &conn); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan query execution: %w", err)
		}
		plain, ok := crypto.Decrypt(oldKey, conn)
		if !ok {
			// sealed with another key; skip
			continue
		}
		reencrypted, err := crypto.Encrypt(newKey, plain)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("re-encrypt: %w", err)
		}
		updates = append(updates, update{id: id, conn: reencrypted})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate query executions: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queries SET source_conn = $2, updated_at = now() WHERE id = $1
		`, u.id, u.conn); err != nil {
			return 0, fmt.Errorf("rewrite source_conn for %d: %w", u.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	log.WithField("rotated", len(updates)).Info("encryption key rotation finished")
	return len(updates), nil
}

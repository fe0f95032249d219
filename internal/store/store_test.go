package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3dwh/query-executor/internal/crypto"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/store"
)

const (
	keyA = "154de72125d4c917bd0764f09bc6af6265b28cd11da2efb659151ac02c7ca0d3"
	keyB = "a6f1c0de9b54e72125d4c917bd0764f09bc6af6265b28cd11da2efb659151ac0"
)

func newMock(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db), mock
}

func TestCreateQueryExecution(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO queries").
		WithArgs("g1", "SELECT 1", "enc", "u1", "created").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("INSERT INTO results").
		WithArgs(int64(7), "table", "declared").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery("INSERT INTO results").
		WithArgs(int64(7), "file", "declared").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	qe := &model.QueryExecution{GUID: "g1", Query: "SELECT 1", SourceConn: "enc", IdentityID: "u1"}
	err := s.CreateQueryExecution(context.Background(), qe, []string{"table", "file"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), qe.ID)
	assert.Equal(t, model.StatusCreated, qe.Status)
	require.Len(t, qe.Destinations, 2)
	assert.Equal(t, "table", qe.Destinations[0].Type)
	assert.Equal(t, "file", qe.Destinations[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func queryRow(id int64, guid string, status model.QueryStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "guid", "query", "source_conn", "identity_id", "status", "error_description", "created_at", "updated_at",
	}).AddRow(id, guid, "SELECT 1", "enc", "u1", string(status), "", now, now)
}

func TestGetByGUID(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM queries WHERE guid").
		WithArgs("g1").
		WillReturnRows(queryRow(7, "g1", model.StatusRunning))
	finished := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM results WHERE query_id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query_id", "dest_type", "status", "path", "access_creds", "error_description", "finished_at",
		}).
			AddRow(int64(11), int64(7), "table", "uploaded", "results_7", `{"user":"sdwh_run_7"}`, "", finished).
			AddRow(int64(12), int64(7), "s3", "declared", "", "", "", nil))

	qe, err := s.GetByGUID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, qe.Status)
	require.Len(t, qe.Destinations, 2)
	assert.Equal(t, "results_7", qe.Destinations[0].Path)
	require.NotNil(t, qe.Destinations[0].FinishedAt)
	assert.Nil(t, qe.Destinations[1].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByGUIDNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM queries WHERE guid").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetByGUID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetStatusGuardsTerminalRows(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("UPDATE queries SET status").
		WithArgs(int64(7), "running", "done", "cancelled", "error").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := s.SetStatus(context.Background(), 7, model.StatusRunning)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCancelRaceAlreadyCancelled(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries WHERE id (.+) FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	mock.ExpectCommit()

	already, err := s.ResolveCancelRace(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, already)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCancelRaceFlipsToError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries WHERE id (.+) FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("UPDATE queries SET status").
		WithArgs(int64(7), "error", "Cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	already, err := s.ResolveCancelRace(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, already)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelUnderLock(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries WHERE id (.+) FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec("UPDATE queries SET status").
		WithArgs(int64(7), "cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	called := false
	err := s.CancelUnderLock(context.Background(), 7, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelUnderLockBackendFailureRollsBack(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM queries WHERE id (.+) FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectRollback()

	sentinel := sql.ErrConnDone
	err := s.CancelUnderLock(context.Background(), 7, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateKeyMixedKeys(t *testing.T) {
	s, mock := newMock(t)

	// three rows sealed with keyA, two with keyB
	rows := sqlmock.NewRows([]string{"id", "source_conn"})
	for i := int64(1); i <= 3; i++ {
		enc, err := crypto.Encrypt(keyA, "postgresql://u:p@h/a")
		require.NoError(t, err)
		rows.AddRow(i, enc)
	}
	for i := int64(4); i <= 5; i++ {
		enc, err := crypto.Encrypt(keyB, "postgresql://u:p@h/b")
		require.NoError(t, err)
		rows.AddRow(i, enc)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, source_conn FROM queries FOR UPDATE NOWAIT").
		WillReturnRows(rows)
	for i := int64(1); i <= 3; i++ {
		mock.ExpectExec("UPDATE queries SET source_conn").
			WithArgs(i, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	n, err := s.RotateKey(context.Background(), keyA, keyB)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateKeyLockUnavailable(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, source_conn FROM queries FOR UPDATE NOWAIT").
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, err := s.RotateKey(context.Background(), keyA, keyB)
	assert.ErrorIs(t, err, store.ErrLockUnavailable)
}

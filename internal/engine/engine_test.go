package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3dwh/query-executor/internal/crypto"
	"github.com/n3dwh/query-executor/internal/materialize"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/runner"
	"github.com/n3dwh/query-executor/internal/store"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeRunner struct {
	execErr   error
	cancelErr error

	executed  bool
	cancelled string
}

func (r *fakeRunner) ExecuteToFile(_ context.Context, _, _ string) error {
	r.executed = true
	return r.execErr
}

func (r *fakeRunner) Cancel(_ context.Context, guid string) error {
	r.cancelled = guid
	return r.cancelErr
}

type fakeFactory struct {
	r    *fakeRunner
	conn string
}

func (f *fakeFactory) ForSource(connString string, _ int64) (runner.Runner, error) {
	f.conn = connString
	return f.r, nil
}

type fakeNotifier struct {
	runs []*model.QueryExecution
}

func (n *fakeNotifier) NotifyResult(_ context.Context, run *model.QueryExecution) {
	copied := *run
	n.runs = append(n.runs, &copied)
}

type fakeMaterializer struct {
	res *materialize.Result
	err error
}

func (m *fakeMaterializer) Materialize(_ context.Context, _ *model.QueryExecution, _ string) (*materialize.Result, error) {
	return m.res, m.err
}

type fakeReader struct {
	table  string
	limit  int
	offset int
	rows   []map[string]interface{}
}

func (r *fakeReader) Read(_ context.Context, table string, limit, offset int) ([]map[string]interface{}, error) {
	r.table, r.limit, r.offset = table, limit, offset
	return r.rows, nil
}

type fakeDropper struct {
	paths []string
	err   error
}

func (d *fakeDropper) DeleteQueryExecs(_ context.Context, paths []string) error {
	d.paths = paths
	return d.err
}

type harness struct {
	mock     sqlmock.Sqlmock
	engine   *Engine
	factory  *fakeFactory
	runner   *fakeRunner
	notifier *fakeNotifier
	reader   *fakeReader
	dropper  *fakeDropper
	sealed   string
}

func newHarness(t *testing.T, mats materialize.Registry) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sealed, err := crypto.Encrypt(testKey, "postgresql://u:p@db.lan:5432/raw")
	require.NoError(t, err)

	h := &harness{
		mock:     mock,
		runner:   &fakeRunner{},
		notifier: &fakeNotifier{},
		reader:   &fakeReader{},
		dropper:  &fakeDropper{},
		sealed:   sealed,
	}
	h.factory = &fakeFactory{r: h.runner}
	h.engine = New(store.New(db), h.factory, mats, h.dropper, h.reader, h.notifier, testKey, 4)
	return h
}

func (h *harness) expectGetByID(id int64, status model.QueryStatus, dests *sqlmock.Rows) {
	h.mock.ExpectQuery(`FROM queries WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "guid", "query", "source_conn", "identity_id", "status",
			"error_description", "created_at", "updated_at",
		}).AddRow(id, "g1", "SELECT 1", h.sealed, "u1", status, "", time.Now(), time.Now()))
	h.mock.ExpectQuery(`FROM results WHERE query_id = \$1`).
		WithArgs(id).
		WillReturnRows(dests)
}

func (h *harness) expectGetByGUID(guid string, id int64, identityID string, status model.QueryStatus, dests *sqlmock.Rows) {
	h.mock.ExpectQuery(`FROM queries WHERE guid = \$1`).
		WithArgs(guid).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "guid", "query", "source_conn", "identity_id", "status",
			"error_description", "created_at", "updated_at",
		}).AddRow(id, guid, "SELECT 1", h.sealed, identityID, status, "", time.Now(), time.Now()))
	h.mock.ExpectQuery(`FROM results WHERE query_id = \$1`).
		WithArgs(id).
		WillReturnRows(dests)
}

func destRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "query_id", "dest_type", "status", "path", "access_creds", "error_description", "finished_at",
	})
}

func TestExecuteHappyPath(t *testing.T) {
	mats := materialize.Registry{
		model.DestTypeTable: &fakeMaterializer{res: &materialize.Result{Path: "results_7", AccessCreds: `{"user":"sdwh_run_7"}`}},
	}
	h := newHarness(t, mats)

	h.expectGetByID(7, model.StatusCreated,
		destRows().AddRow(int64(70), int64(7), model.DestTypeTable, model.DestDeclared, "", "", "", nil))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WithArgs(int64(7), model.StatusRunning, model.StatusDone, model.StatusCancelled, model.StatusError).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE results SET status = \$2, path = \$3`).
		WithArgs(int64(70), model.DestUploaded, "results_7", `{"user":"sdwh_run_7"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WithArgs(int64(7), model.StatusDone, model.StatusDone, model.StatusCancelled, model.StatusError).
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.engine.Execute(context.Background(), 7)

	assert.True(t, h.runner.executed)
	assert.Equal(t, "postgresql://u:p@db.lan:5432/raw", h.factory.conn)
	require.Len(t, h.notifier.runs, 1)
	assert.Equal(t, model.StatusDone, h.notifier.runs[0].Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteSkipsTerminalRun(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByID(7, model.StatusCancelled, destRows())
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WithArgs(int64(7), model.StatusRunning, model.StatusDone, model.StatusCancelled, model.StatusError).
		WillReturnResult(sqlmock.NewResult(0, 0))

	h.engine.Execute(context.Background(), 7)

	assert.False(t, h.runner.executed)
	assert.Empty(t, h.notifier.runs)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteCancelledByTerminate(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.execErr = runner.ErrCancelled

	h.expectGetByID(7, model.StatusCreated, destRows())
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT status FROM queries WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusCancelled))
	h.mock.ExpectCommit()

	h.engine.Execute(context.Background(), 7)

	// terminate already notified; nothing to emit here
	assert.Empty(t, h.notifier.runs)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteCancelledExternally(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.execErr = runner.ErrCancelled

	h.expectGetByID(7, model.StatusCreated, destRows())
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT status FROM queries WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusRunning))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2, error_description = \$3`).
		WithArgs(int64(7), model.StatusError, "Cancelled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	h.engine.Execute(context.Background(), 7)

	require.Len(t, h.notifier.runs, 1)
	assert.Equal(t, model.StatusError, h.notifier.runs[0].Status)
	assert.Equal(t, "Cancelled", h.notifier.runs[0].ErrorDescription)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteSkipsUnknownDestinationType(t *testing.T) {
	h := newHarness(t, materialize.Registry{})

	h.expectGetByID(7, model.StatusCreated,
		destRows().AddRow(int64(70), int64(7), "hologram", model.DestDeclared, "", "", "", nil))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WithArgs(int64(7), model.StatusDone, model.StatusDone, model.StatusCancelled, model.StatusError).
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.engine.Execute(context.Background(), 7)

	require.Len(t, h.notifier.runs, 1)
	assert.Equal(t, model.StatusDone, h.notifier.runs[0].Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestExecuteMaterializerFailure(t *testing.T) {
	mats := materialize.Registry{
		model.DestTypeTable: &fakeMaterializer{err: errors.New("result table results_7 already exists")},
	}
	h := newHarness(t, mats)

	h.expectGetByID(7, model.StatusCreated,
		destRows().AddRow(int64(70), int64(7), model.DestTypeTable, model.DestDeclared, "", "", "", nil))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE results SET status = \$2, error_description = \$3`).
		WithArgs(int64(70), model.DestError, "result table results_7 already exists").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2, error_description = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	h.engine.Execute(context.Background(), 7)

	require.Len(t, h.notifier.runs, 1)
	assert.Equal(t, model.StatusError, h.notifier.runs[0].Status)
	assert.Contains(t, h.notifier.runs[0].ErrorDescription, "already exists")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusRunning, destRows())
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT status FROM queries WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusRunning))
	h.mock.ExpectExec(`UPDATE queries SET status = \$2`).
		WithArgs(int64(7), model.StatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	err := h.engine.Terminate(context.Background(), "g1", model.Identity{ID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "g1", h.runner.cancelled)
	require.Len(t, h.notifier.runs, 1)
	assert.Equal(t, model.StatusCancelled, h.notifier.runs[0].Status)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestTerminateNotRunning(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone, destRows())

	err := h.engine.Terminate(context.Background(), "g1", model.Identity{ID: "u1"})
	assert.ErrorIs(t, err, runner.ErrNotRunning)
	assert.Empty(t, h.runner.cancelled)
}

func TestGetRunUnauthorized(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone, destRows())

	_, err := h.engine.GetRun(context.Background(), "g1", model.Identity{ID: "intruder"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetRunSuperuserSeesAll(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone, destRows())

	qe, err := h.engine.GetRun(context.Background(), "g1", model.Identity{ID: "admin", IsSuperuser: true})
	require.NoError(t, err)
	assert.Equal(t, "g1", qe.GUID)
}

func TestGetResults(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.rows = []map[string]interface{}{{"n": int64(1)}}

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone,
		destRows().AddRow(int64(70), int64(7), model.DestTypeTable, model.DestUploaded, "results_7", "{}", "", nil))

	rows, err := h.engine.GetResults(context.Background(), "g1", model.Identity{ID: "u1"}, 100, 10)
	require.NoError(t, err)

	assert.Equal(t, []map[string]interface{}{{"n": int64(1)}}, rows)
	assert.Equal(t, "results_7", h.reader.table)
	assert.Equal(t, 100, h.reader.limit)
	assert.Equal(t, 10, h.reader.offset)
}

func TestGetResultsWithoutTableDestination(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone,
		destRows().AddRow(int64(70), int64(7), model.DestTypeFile, model.DestUploaded, "runs/g1.bin", "", "", nil))

	_, err := h.engine.GetResults(context.Background(), "g1", model.Identity{ID: "u1"}, 100, 0)
	assert.ErrorIs(t, err, ErrUnprocessable)
}

func TestDeleteResults(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone,
		destRows().AddRow(int64(70), int64(7), model.DestTypeTable, model.DestUploaded, "results_7", "{}", "", nil))
	h.mock.ExpectExec(`UPDATE results SET status = \$1`).
		WithArgs(model.DestDeleted, pq.Array([]int64{7})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := h.engine.DeleteResults(context.Background(), []string{"g1"}, model.Identity{ID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"results_7"}, h.dropper.paths)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDeleteResultsWithoutTableDestination(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusDone,
		destRows().AddRow(int64(70), int64(7), model.DestTypeFile, model.DestUploaded, "runs/g1.bin", "", "", nil))

	err := h.engine.DeleteResults(context.Background(), []string{"g1"}, model.Identity{ID: "u1"})
	assert.ErrorIs(t, err, ErrUnprocessable)
	assert.Empty(t, h.dropper.paths)
}

func TestDeleteResultsWithDeclaredTableDestination(t *testing.T) {
	h := newHarness(t, nil)

	h.expectGetByGUID("g1", 7, "u1", model.StatusRunning,
		destRows().AddRow(int64(70), int64(7), model.DestTypeTable, model.DestDeclared, "", "", "", nil))

	err := h.engine.DeleteResults(context.Background(), []string{"g1"}, model.Identity{ID: "u1"})
	assert.ErrorIs(t, err, ErrUnprocessable)
	assert.Empty(t, h.dropper.paths)
}

func TestSubmitSealsSourceConn(t *testing.T) {
	h := newHarness(t, nil)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`INSERT INTO queries`).
		WithArgs(sqlmock.AnyArg(), "SELECT 1", sqlmock.AnyArg(), "u1", model.StatusCreated).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	h.mock.ExpectQuery(`INSERT INTO results`).
		WithArgs(int64(7), model.DestTypeTable, model.DestDeclared).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(70)))
	h.mock.ExpectCommit()

	qe, err := h.engine.Submit(context.Background(), "SELECT 1", "postgresql://u:p@db.lan:5432/raw", "u1",
		[]string{model.DestTypeTable}, "")
	require.NoError(t, err)

	assert.NotEmpty(t, qe.GUID)
	assert.Equal(t, model.StatusCreated, qe.Status)
	assert.NotEqual(t, "postgresql://u:p@db.lan:5432/raw", qe.SourceConn)
	plain, ok := crypto.Decrypt(testKey, qe.SourceConn)
	require.True(t, ok)
	assert.Equal(t, "postgresql://u:p@db.lan:5432/raw", plain)
}

// Package engine orchestrates the lifecycle of a query execution: submit,
// run against the source, materialize destinations, cancel, and read back
// results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/crypto"
	"github.com/n3dwh/query-executor/internal/materialize"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/runner"
	"github.com/n3dwh/query-executor/internal/store"
)

var (
	// ErrUnauthorized is returned when the identity may not see the run.
	ErrUnauthorized = errors.New("query execution is not visible to this identity")

	// ErrUnprocessable is returned when the run has no readable result
	// table to serve rows from.
	ErrUnprocessable = errors.New("query execution has no uploaded result table")
)

// RunnerFactory builds source runners; satisfied by runner.Factory.
type RunnerFactory interface {
	ForSource(connString string, queryID int64) (runner.Runner, error)
}

// ResultReader pages rows from a materialized result table.
type ResultReader interface {
	Read(ctx context.Context, table string, limit, offset int) ([]map[string]interface{}, error)
}

// Notifier publishes the terminal status of a run.
type Notifier interface {
	NotifyResult(ctx context.Context, run *model.QueryExecution)
}

// TableDropper drops materialized result tables.
type TableDropper interface {
	DeleteQueryExecs(ctx context.Context, paths []string) error
}

// Engine ties the store, runners, materializers and notifier together.
// Concurrent executions are bounded by a semaphore sized at construction.
type Engine struct {
	store         *store.Store
	runners       RunnerFactory
	materializers materialize.Registry
	tables        TableDropper
	results       ResultReader
	notifier      Notifier
	encryptionKey string

	sem chan struct{}
}

// New constructs an Engine. poolSize bounds how many executions run at once.
func New(st *store.Store, runners RunnerFactory, materializers materialize.Registry,
	tables TableDropper, results ResultReader, notifier Notifier,
	encryptionKey string, poolSize int) *Engine {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Engine{
		store:         st,
		runners:       runners,
		materializers: materializers,
		tables:        tables,
		results:       results,
		notifier:      notifier,
		encryptionKey: encryptionKey,
		sem:           make(chan struct{}, poolSize),
	}
}

// Submit persists a new run with its declared destinations and kicks off
// execution in the background. The source connection string is sealed with
// the service key before it touches the database. An empty guid gets a
// fresh one.
func (e *Engine) Submit(ctx context.Context, query, sourceConn, identityID string, destTypes []string, guid string) (*model.QueryExecution, error) {
	sealed, err := crypto.Encrypt(e.encryptionKey, sourceConn)
	if err != nil {
		return nil, fmt.Errorf("seal source connection: %w", err)
	}
	if guid == "" {
		guid = uuid.NewString()
	}

	qe := &model.QueryExecution{
		GUID:       guid,
		Query:      query,
		SourceConn: sealed,
		IdentityID: identityID,
	}
	if err := e.store.CreateQueryExecution(ctx, qe, destTypes); err != nil {
		return nil, err
	}

	go e.Execute(context.Background(), qe.ID)
	return qe, nil
}

// Execute drives one run to a terminal status. It never returns an error:
// every failure ends up on the row and, when the row was still live, in a
// result notification.
func (e *Engine) Execute(ctx context.Context, id int64) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	qe, err := e.store.GetByID(ctx, id)
	if err != nil {
		log.WithError(err).WithField("query_id", id).Error("load query execution")
		return
	}
	logger := log.WithFields(log.Fields{"query_id": id, "guid": qe.GUID})

	changed, err := e.store.SetStatus(ctx, id, model.StatusRunning)
	if err != nil {
		logger.WithError(err).Error("mark running")
		return
	}
	if !changed {
		// terminated before it ever started
		logger.Info("skipping execution of terminal run")
		return
	}

	dir, err := os.MkdirTemp("", "sdwh-run-")
	if err != nil {
		e.failRun(ctx, qe, fmt.Sprintf("create staging dir: %v", err))
		return
	}
	defer os.RemoveAll(dir)
	stagingPath := filepath.Join(dir, qe.GUID+".bin")

	plain, ok := crypto.Decrypt(e.encryptionKey, qe.SourceConn)
	if !ok {
		e.failRun(ctx, qe, "source connection string cannot be decrypted")
		return
	}
	r, err := e.runners.ForSource(plain, id)
	if err != nil {
		e.failRun(ctx, qe, err.Error())
		return
	}

	if err := r.ExecuteToFile(ctx, qe.Query, stagingPath); err != nil {
		if errors.Is(err, runner.ErrCancelled) {
			e.resolveCancelled(ctx, qe, logger)
			return
		}
		e.failRun(ctx, qe, err.Error())
		return
	}

	for _, d := range qe.Destinations {
		m, ok := e.materializers[d.Type]
		if !ok {
			logger.WithField("dest_type", d.Type).Warn("no materializer for destination type, skipping")
			continue
		}
		res, err := m.Materialize(ctx, qe, stagingPath)
		if err != nil {
			if derr := e.store.SetDestinationError(ctx, d.ID, err.Error()); derr != nil {
				logger.WithError(derr).Error("record destination error")
			}
			e.failRun(ctx, qe, fmt.Sprintf("destination %s: %v", d.Type, err))
			return
		}
		if err := e.store.SetDestinationUploaded(ctx, d.ID, res.Path, res.AccessCreds); err != nil {
			e.failRun(ctx, qe, fmt.Sprintf("record destination %s: %v", d.Type, err))
			return
		}
		d.Status = model.DestUploaded
		d.Path = res.Path
		d.AccessCreds = res.AccessCreds
	}

	changed, err = e.store.SetStatus(ctx, id, model.StatusDone)
	if err != nil {
		logger.WithError(err).Error("mark done")
		return
	}
	if changed {
		qe.Status = model.StatusDone
		e.notifier.NotifyResult(ctx, qe)
		logger.Info("query execution finished")
	}
}

// resolveCancelled handles the runner reporting a cancelled execution.
// Whether this was our Terminate or an external kill is decided under a
// row lock: a row already cancelled belongs to Terminate and needs nothing
// more here, anything else becomes an error with description "Cancelled".
func (e *Engine) resolveCancelled(ctx context.Context, qe *model.QueryExecution, logger *log.Entry) {
	already, err := e.store.ResolveCancelRace(ctx, qe.ID)
	if err != nil {
		logger.WithError(err).Error("resolve cancellation")
		return
	}
	if already {
		logger.Info("execution cancelled via terminate")
		return
	}
	qe.Status = model.StatusError
	qe.ErrorDescription = "Cancelled"
	e.notifier.NotifyResult(ctx, qe)
	logger.Info("execution cancelled outside terminate")
}

// failRun flips the row to error and notifies, unless a concurrent
// transition already made the row terminal.
func (e *Engine) failRun(ctx context.Context, qe *model.QueryExecution, desc string) {
	changed, err := e.store.SetError(ctx, qe.ID, desc)
	if err != nil {
		log.WithError(err).WithField("guid", qe.GUID).Error("mark error")
		return
	}
	if !changed {
		return
	}
	qe.Status = model.StatusError
	qe.ErrorDescription = desc
	e.notifier.NotifyResult(ctx, qe)
	log.WithFields(log.Fields{"guid": qe.GUID, "error": desc}).Warn("query execution failed")
}

// Terminate cancels a running execution on behalf of ident. The backend
// cancel and the status flip to cancelled happen under the run's row lock,
// so the engine's own error path cannot overtake it.
func (e *Engine) Terminate(ctx context.Context, guid string, ident model.Identity) error {
	qe, err := e.getVisible(ctx, guid, ident)
	if err != nil {
		return err
	}
	if qe.Status != model.StatusRunning {
		return runner.ErrNotRunning
	}

	plain, ok := crypto.Decrypt(e.encryptionKey, qe.SourceConn)
	if !ok {
		return fmt.Errorf("source connection string cannot be decrypted")
	}
	r, err := e.runners.ForSource(plain, qe.ID)
	if err != nil {
		return err
	}

	err = e.store.CancelUnderLock(ctx, qe.ID, func() error {
		return r.Cancel(ctx, guid)
	})
	if err != nil {
		return err
	}

	qe.Status = model.StatusCancelled
	e.notifier.NotifyResult(ctx, qe)
	return nil
}

// GetRun loads a run visible to ident.
func (e *Engine) GetRun(ctx context.Context, guid string, ident model.Identity) (*model.QueryExecution, error) {
	return e.getVisible(ctx, guid, ident)
}

// GetResults pages rows out of the run's uploaded result table.
func (e *Engine) GetResults(ctx context.Context, guid string, ident model.Identity, limit, offset int) ([]map[string]interface{}, error) {
	qe, err := e.getVisible(ctx, guid, ident)
	if err != nil {
		return nil, err
	}
	dest := qe.TableDestination()
	if dest == nil || dest.Status != model.DestUploaded {
		return nil, ErrUnprocessable
	}
	return e.results.Read(ctx, dest.Path, limit, offset)
}

// DeleteResults drops the result tables of the given runs and marks their
// destinations deleted. Every requested run must have an uploaded table
// destination; otherwise nothing is dropped. Per-query DB users are left
// in place; they no longer grant access to anything.
func (e *Engine) DeleteResults(ctx context.Context, guids []string, ident model.Identity) error {
	var paths []string
	var ids []int64
	for _, guid := range guids {
		qe, err := e.getVisible(ctx, guid, ident)
		if err != nil {
			return err
		}
		dest := qe.TableDestination()
		if dest == nil || dest.Status != model.DestUploaded {
			return ErrUnprocessable
		}
		ids = append(ids, qe.ID)
		paths = append(paths, dest.Path)
	}

	if err := e.tables.DeleteQueryExecs(ctx, paths); err != nil {
		return err
	}
	return e.store.MarkDestinationsDeleted(ctx, ids)
}

// RotateKey re-encrypts stored source connection strings from oldKey to
// the engine's current key. Returns how many rows were rewritten.
func (e *Engine) RotateKey(ctx context.Context, oldKey string) (int, error) {
	return e.store.RotateKey(ctx, oldKey, e.encryptionKey)
}

func (e *Engine) getVisible(ctx context.Context, guid string, ident model.Identity) (*model.QueryExecution, error) {
	qe, err := e.store.GetByGUID(ctx, guid)
	if err != nil {
		return nil, err
	}
	if !qe.VisibleTo(ident) {
		return nil, ErrUnauthorized
	}
	return qe, nil
}

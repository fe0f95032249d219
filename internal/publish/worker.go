// Package publish consumes publish requests off the broker and copies
// finished result sets into the analytics database.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/analytics"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/mq"
)

// Outcome statuses reported on the publish exchange.
const (
	StatusPublished = "published"
	StatusError     = "error"
)

const (
	pageSize       = 1000
	restartBackoff = 500 * time.Millisecond
)

// Request is a publish task consumed from the request queue.
type Request struct {
	GUID        string `json:"guid"`
	PublishName string `json:"publish_name"`
	IdentityID  string `json:"identity_id"`
}

// Outcome reports how a publish request ended.
type Outcome struct {
	GUID             string `json:"guid"`
	PublishName      string `json:"publish_name"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Analytics is the slice of the analytics client the worker needs.
type Analytics interface {
	SchemaFromRows(ctx context.Context, rows []map[string]interface{}) ([]analytics.Column, error)
	CreatePublishTable(ctx context.Context, name string, cols []analytics.Column) error
	InsertRows(ctx context.Context, name string, cols []analytics.Column, rows []map[string]interface{}, startID uint64) error
}

// ResultSource pages rows of a finished run on behalf of an identity.
type ResultSource interface {
	GetResults(ctx context.Context, guid string, ident model.Identity, limit, offset int) ([]map[string]interface{}, error)
}

// Consumer delivers request bodies from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler func(ctx context.Context, body []byte) error) error
}

// Publisher emits outcome messages.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, key string, v interface{}) error
}

// Worker drains the publish request queue.
type Worker struct {
	consumer  Consumer
	out       Publisher
	analytics Analytics
	source    ResultSource

	requestQueue    string
	publishExchange string
}

// NewWorker wires a Worker against the bus, the analytics client and the
// result source.
func NewWorker(consumer Consumer, out Publisher, a Analytics, source ResultSource, requestQueue, publishExchange string) *Worker {
	return &Worker{
		consumer:        consumer,
		out:             out,
		analytics:       a,
		source:          source,
		requestQueue:    requestQueue,
		publishExchange: publishExchange,
	}
}

// Run consumes the request queue until ctx is cancelled, restarting the
// consumer after broker hiccups.
func (w *Worker) Run(ctx context.Context) {
	for {
		err := w.consumer.Consume(ctx, w.requestQueue, w.handle)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("publish consumer stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

// handle processes one request body. A failed publish is reported as an
// error outcome and the message is rejected without requeue; the request
// is never retried.
func (w *Worker) handle(ctx context.Context, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("decode publish request: %w", err)
	}

	out := Outcome{GUID: req.GUID, PublishName: req.PublishName, Status: StatusPublished}
	pubErr := w.publish(ctx, req)
	if pubErr != nil {
		log.WithError(pubErr).WithFields(log.Fields{
			"guid":         req.GUID,
			"publish_name": req.PublishName,
		}).Error("publish failed")
		out.Status = StatusError
		out.ErrorDescription = pubErr.Error()
	}

	if err := w.out.PublishJSON(ctx, w.publishExchange, mq.KeyResult, out); err != nil {
		return fmt.Errorf("report publish outcome: %w", err)
	}
	return pubErr
}

// publish pages the run's result set into a fresh analytics table. The
// schema is inferred from the first page.
func (w *Worker) publish(ctx context.Context, req Request) error {
	ident := model.Identity{ID: req.IdentityID}

	offset := 0
	var cols []analytics.Column
	for {
		rows, err := w.source.GetResults(ctx, req.GUID, ident, pageSize, offset)
		if err != nil {
			return err
		}
		if offset == 0 {
			if len(rows) == 0 {
				return fmt.Errorf("run %s has no result rows to publish", req.GUID)
			}
			cols, err = w.analytics.SchemaFromRows(ctx, rows)
			if err != nil {
				return err
			}
			if err := w.analytics.CreatePublishTable(ctx, req.PublishName, cols); err != nil {
				return err
			}
		}
		if err := w.analytics.InsertRows(ctx, req.PublishName, cols, rows, uint64(offset)+1); err != nil {
			return err
		}
		if len(rows) < pageSize {
			return nil
		}
		offset += pageSize
	}
}

// Package notify emits run status notifications onto the execute exchange.
package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/mq"
)

// Publisher is the slice of the message bus the emitter needs.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, key string, v interface{}) error
}

// Notification is the status message consumed by the API layer.
type Notification struct {
	GUID             string            `json:"guid"`
	RunID            int64             `json:"run_id"`
	Status           model.QueryStatus `json:"status"`
	ErrorDescription string            `json:"error_description,omitempty"`
}

// Emitter publishes notifications for finished and failed runs.
type Emitter struct {
	bus      Publisher
	exchange string
}

// NewEmitter builds an Emitter publishing to the given execute exchange.
func NewEmitter(bus Publisher, exchange string) *Emitter {
	return &Emitter{bus: bus, exchange: exchange}
}

// NotifyResult publishes the run's terminal status. A broker failure is
// logged and dropped: the run outcome is already durable in the store and
// a lost notification must not fail the run.
func (e *Emitter) NotifyResult(ctx context.Context, run *model.QueryExecution) {
	n := Notification{
		GUID:             run.GUID,
		RunID:            run.ID,
		Status:           run.Status,
		ErrorDescription: run.ErrorDescription,
	}
	if err := e.bus.PublishJSON(ctx, e.exchange, mq.KeyResult, n); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"guid":   run.GUID,
			"status": run.Status,
		}).Warn("dropping result notification")
	}
}

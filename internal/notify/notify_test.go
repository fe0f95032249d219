package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3dwh/query-executor/internal/model"
)

type fakePublisher struct {
	exchange string
	key      string
	payload  interface{}
	err      error
}

func (f *fakePublisher) PublishJSON(_ context.Context, exchange, key string, v interface{}) error {
	f.exchange, f.key, f.payload = exchange, key, v
	return f.err
}

func TestNotifyResult(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter(pub, "query_execute")

	e.NotifyResult(context.Background(), &model.QueryExecution{
		ID:     7,
		GUID:   "g1",
		Status: model.StatusError,

		ErrorDescription: "Cancelled",
	})

	assert.Equal(t, "query_execute", pub.exchange)
	assert.Equal(t, "result", pub.key)

	body, err := json.Marshal(pub.payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"guid":"g1","run_id":7,"status":"error","error_description":"Cancelled"}`, string(body))
}

func TestNotifyResultOmitsEmptyError(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter(pub, "query_execute")

	e.NotifyResult(context.Background(), &model.QueryExecution{ID: 7, GUID: "g1", Status: model.StatusDone})

	body, err := json.Marshal(pub.payload)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "error_description")
}

func TestNotifyResultDropsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	e := NewEmitter(pub, "query_execute")

	// must not panic or propagate
	e.NotifyResult(context.Background(), &model.QueryExecution{ID: 7, GUID: "g1", Status: model.StatusDone})
}

package rabbitmq

import (
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declared struct {
	name string
	args amqp.Table
}

type recordingDeclarer struct {
	queues []declared
	failOn string
}

func (r *recordingDeclarer) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if name == r.failOn {
		return amqp.Queue{}, errors.New("access refused")
	}
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	r.queues = append(r.queues, declared{name, args})
	return amqp.Queue{Name: name}, nil
}

func TestTopology_Declare(t *testing.T) {
	rec := &recordingDeclarer{}
	topo := TopologyFor("crew_jobs")
	require.NoError(t, topo.Declare(rec))

	require.Len(t, rec.queues, 3)
	assert.Equal(t, "crew_jobs.dlq", rec.queues[0].name)
	assert.Nil(t, rec.queues[0].args)

	assert.Equal(t, "crew_jobs.retry", rec.queues[1].name)
	assert.Equal(t, "crew_jobs", rec.queues[1].args["x-dead-letter-routing-key"])

	assert.Equal(t, "crew_jobs", rec.queues[2].name)
	assert.Equal(t, "crew_jobs.dlq", rec.queues[2].args["x-dead-letter-routing-key"])
}

func TestTopology_DeclareStopsOnError(t *testing.T) {
	rec := &recordingDeclarer{failOn: "q.retry"}
	require.Error(t, TopologyFor("q").Declare(rec))
	assert.Len(t, rec.queues, 1)
}

func TestNewPublishing(t *testing.T) {
	msg, err := newPublishing("job-9", 2)
	require.NoError(t, err)

	var m JobMessage
	require.NoError(t, json.Unmarshal(msg.Body, &m))
	assert.Equal(t, "job-9", m.JobID)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, 2, attemptOf(amqp.Delivery{Headers: msg.Headers}))
}

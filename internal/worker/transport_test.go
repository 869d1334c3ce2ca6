package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared  []string
	published []publishCall
	closed    int
	failWith  error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = append(c.declared, name+"/"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.published = append(c.published, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed++
	return nil
}

func TestAMQPTransportPublishesByChannel(t *testing.T) {
	ch := &fakeChannel{}
	tr := NewAMQPTransport(func() (PublishChannel, error) { return ch, nil }, "")

	err := tr.Send(context.Background(), Message{OrderID: "o1", LogID: "l1", Channel: "sms", To: "+100", Body: "hi", TemplateCode: "ready"})
	require.NoError(t, err)

	assert.Equal(t, []string{"notifications/topic"}, ch.declared)
	require.Len(t, ch.published, 1)
	call := ch.published[0]
	assert.Equal(t, "notifications", call.exchange)
	assert.Equal(t, "notify.sms", call.key)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Equal(t, "o1:l1:ready", call.msg.MessageId)

	var decoded Message
	require.NoError(t, json.Unmarshal(call.msg.Body, &decoded))
	assert.Equal(t, "+100", decoded.To)
	assert.Equal(t, 1, ch.closed)
}

func TestAMQPTransportErrors(t *testing.T) {
	tr := NewAMQPTransport(func() (PublishChannel, error) { return nil, errors.New("no broker") }, "events")
	assert.Error(t, tr.Send(context.Background(), Message{Channel: "email"}))

	ch := &fakeChannel{failWith: errors.New("nack")}
	tr = NewAMQPTransport(func() (PublishChannel, error) { return ch, nil }, "events")
	err := tr.Send(context.Background(), Message{Channel: "email"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish message")
	assert.Equal(t, 1, ch.closed)
	assert.NoError(t, tr.Close())
}

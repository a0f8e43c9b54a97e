package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChannel records declarations
type recordingChannel struct {
	calls   []string
	failOn  string
	failure error
}

func (c *recordingChannel) call(name string) error {
	c.calls = append(c.calls, name)
	if name == c.failOn {
		return c.failure
	}
	return nil
}

func (c *recordingChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.call("exchange:" + name)
}

func (c *recordingChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, c.call("queue:" + name)
}

func (c *recordingChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.call("bind:" + name + ":" + key + ":" + exchange)
}

func (c *recordingChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *recordingChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (c *recordingChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, nil
}

func (c *recordingChannel) Cancel(consumer string, noWait bool) error { return nil }

func (c *recordingChannel) Close() error { return nil }

func TestDeclare(t *testing.T) {
	topology := Topology{
		Exchanges: []ExchangeDeclaration{{Name: "courier", Type: "topic", Durable: true}},
		Queues:    []QueueDeclaration{{Name: "orders", Durable: true}},
		Bindings:  []Binding{{Queue: "orders", Exchange: "courier", RoutingKey: "#"}},
	}

	t.Run("declares in order", func(t *testing.T) {
		ch := &recordingChannel{}
		require.NoError(t, Declare(ch, topology))
		assert.Equal(t, []string{"exchange:courier", "queue:orders", "bind:orders:#:courier"}, ch.calls)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		refused := errors.New("access refused")
		ch := &recordingChannel{failOn: "queue:orders", failure: refused}

		err := Declare(ch, topology)
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "orders", topoErr.Name)
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, []string{"exchange:courier", "queue:orders"}, ch.calls)
	})
}

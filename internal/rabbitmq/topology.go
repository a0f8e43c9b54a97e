package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the set of broker entities a channel relies on
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Declare declares every exchange, then every queue, then every binding of t on ch.
// Declarations are idempotent on the broker, so Declare runs again after each reconnect.
func Declare(ch AMQPChannel, t Topology) error {
	for _, exchange := range t.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return topologyError("exchange", exchange.Name, err)
		}
	}

	for _, queue := range t.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return topologyError("queue", queue.Name, err)
		}
	}

	for _, binding := range t.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, err)
		}
	}
	return nil
}

func topologyError(component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}

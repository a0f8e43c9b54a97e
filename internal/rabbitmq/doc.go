// Package rabbitmq holds the broker plumbing shared by the RabbitMQ transport.
//
// ConnectionManager owns one AMQP connection and re-dials it with exponential backoff
// after the broker closes it, notifying state listeners on every transition. Broker
// operations go through the small Dialer, Connection and AMQPChannel interfaces so that
// callers can be tested without a broker.
package rabbitmq

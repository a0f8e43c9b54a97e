// Package rabbitmq is a bidirectional channel over a RabbitMQ broker.
//
// Messages are published to a single exchange with the event as routing key and read
// back by consuming one queue. A delivery is acknowledged once its work item completes
// and rejected, without requeue, when it fails. The connection is re-established in
// the background; the channel reports the outage as a channel error and the reconnect
// as a recovery.
package rabbitmq

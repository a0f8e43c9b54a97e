// Package channels defines the transport abstraction used by the dispatchers.
//
// A channel has one or both of two capabilities. A Receiver notifies its subscriber of
// arriving requests and replies and wires transport specific completion actions to the
// work item handle the subscriber returns. A Broadcaster publishes messages and reports
// failures through channel error events instead of returning them.
//
// Concrete transports embed Base, which tracks subscriptions, error and recovery
// listeners and the degraded state of the channel.
package channels

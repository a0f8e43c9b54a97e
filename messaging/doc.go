// Package messaging drives messages through the sink pipeline.
//
// An InboundDispatcher receives messages from Receiver channels and processes them one at
// a time so that the deduplication lookup of the persistence sink never races. An
// OutboundDispatcher processes messages pushed by callers and broadcasts each processed
// message to its Broadcaster channels.
//
// Every message is processed by a Pipeline of sinks. The standard pipeline first records
// the message in the audit store, rejecting duplicates and uncorrelated replies, and then
// invokes the event handler registered for the message event.
//
// Failures are classified with an ErrorKind. Duplicate, Invalid and Stale failures are
// ignorable: they are logged and produce no reply. Any other failure is escalated, and an
// escalated inbound request is answered with a Failure reply.
//
// Example usage:
//
//	store := audit.NewMemoryStore()
//	handlers := messaging.NewEventHandlers(contracts.DirectionIncoming)
//	handlers.RegisterRequest("OrderCreated", messaging.RequestHandlerFunc(
//	    func(ctx context.Context, req *contracts.RequestMessage) error {
//	        return nil
//	    }))
//
//	inbound := messaging.NewInboundDispatcher(messaging.NewStandardPipeline(store, handlers))
//	inbound.AddChannel(channel)
//	if err := inbound.Start(ctx); err != nil {
//	    return err
//	}
//	defer inbound.Stop()
package messaging

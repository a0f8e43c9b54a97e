// Package bridge waits for the reply to a request sent through the outbound dispatcher.
//
// A Bridge registers itself as the reply handler of every event it sends and matches
// incoming replies to pending requests by correlation id:
//
//	b := bridge.New(ctx.Outbound, ctx.IncomingHandlers)
//	defer b.Close()
//
//	reply, err := b.Request(reqCtx, order)
//
// Requests without a context deadline wait for the default timeout. A failure reply is
// returned together with a *ReplyError carrying the remote cause.
package bridge

// Package contracts provides the message model for the courier dispatch pipeline.
//
// This package defines the envelopes that flow through channels, sinks and dispatchers:
//   - Message: Common interface implemented by both envelope kinds
//   - RequestMessage: Created by a sender with a fresh correlation id
//   - ReplyMessage: Always derived from a request via Success or Failure
//   - Document and Value: Dynamically shaped, insertion-ordered message content
//
// Every message captures its raw serialized form once. The thumbprint used for
// deduplication is computed from those bytes only, so re-serialization can never
// change a deduplication result.
package contracts

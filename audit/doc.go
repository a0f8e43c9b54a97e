// Package audit records processed messages. The records are the deduplication index of
// the persistence sink: one record per (correlation id, kind, direction, thumbprint).
//
// Two stores are provided. MemoryStore keeps records in process and suits tests and
// single instance deployments. RedisStore keeps them in Redis so that several processes
// can share one index.
package audit

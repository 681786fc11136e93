// Package redis implements the connection store, subscription
// bookkeeping, and the mutation feed on Redis.
//
// Connection records are hashes with a fixed TTL; secondary index sets map
// users and widgets to their connections. The mutation feed is a pair of
// streams consumed through a consumer group, giving at-least-once delivery
// with per-stream ordering.
package redis

// Package memkv is a sharded, concurrency-safe in-memory key/value store
// with per-key TTL. The peer registry keeps one document per peer here so
// updates to different peers never contend on a shared lock.
//
// Properties:
//   - sharded map with RW mutexes (256 shards by default)
//   - TTL with lazy expiry on read and a background expirer
//   - read-modify-write under the shard lock (Update, Upsert)
//   - lock-free atomic metrics
package memkv

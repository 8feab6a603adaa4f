// Package cache stores synthesized audio keyed by a content hash of the
// request. DiskStore is the persistent store, MemoryStore an in-process
// LRU front, ObjectStore a NATS JetStream bucket shared between hosts.
// Entries are never evicted from persistent stores automatically.
package cache

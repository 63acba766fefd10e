// Package lock implements a reentrant distributed lock on top of an
// adapter.KeyValue store.
//
// A Lock combines a Watcher, which owns the remote key and the local
// reentrancy counters, with an Executor that retries lost acquisitions with
// randomized exponential backoff. Reentrancy is keyed by an Owner carried in
// the context: the body of Execute receives a context holding its owner, so
// nested calls made with that context reenter instead of blocking.
//
// While held, the remote key's lease is renewed periodically so a body that
// runs longer than the lease keeps exclusive ownership.
package lock

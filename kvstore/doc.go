// Package kvstore is the fast key-value abstraction that every piece of shared mutable auth
// state lives behind: rate-limit windows, lockout counters, revocation tombstones and
// subject generations.
//
// Two implementations are provided. [Redis] runs against any go-redis UniversalClient and
// performs its read-modify-write operations in Lua so they stay atomic across processes.
// [Memory] is an in-process fake with an injectable clock for deterministic tests and for
// single-node development.
package kvstore

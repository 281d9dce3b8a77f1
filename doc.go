// Package memocell implements two small concurrency primitives with strict
// correctness contracts: a unique-ID Sequence and a single-slot memoizing
// Cell.
//
// Sequence hands out each value in {0..N-1} exactly once across any number
// of concurrent callers, and fails with *OverflowError instead of wrapping
// when it reaches its limit.
//
// Cell memoizes the last (key, value) pair of a pure function f. The pair
// is published as one atomically swapped composite, so a reader observes
// either the entirely-old or the entirely-new pair, never a new key with a
// stale value. Racing updaters may each compute f; the last writer wins.
//
// Optional components:
//   - store.Store: byte store with TTL (Ristretto, BigCache, Redis) used to
//     mirror the published pair and to checkpoint the sequence counter.
//   - codec.Codec[V]: (de)serializes mirrored keys/values.
//   - Logger / Hooks: caller-injected observability; the core never logs
//     on its correctness paths.
//
// Storage keys:
//
//	cell:<ns>  - mirrored pair (wire-framed)
//	seq:<ns>   - sequence checkpoint (wire-framed)
package memocell

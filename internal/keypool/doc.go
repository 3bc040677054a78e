// Package keypool manages pools of upstream generative-AI API credentials
// for a reverse-proxy that multiplexes many keys across client requests.
//
// # Design rationale
//
// A pool owns an ordered key list and three pieces of mutable state per
// key: a failure count, an optional auto-freeze deadline, and a manual
// (administrative) freeze flag. A round-robin rotator hands out candidates;
// a background precheck engine keeps a double-buffered supply of keys
// already confirmed to work against the upstream service, so the hot path
// almost never pays a validation round-trip.
//
// # Concurrency model
//
// Three lock domains exist per pool, never nested in more than the order
// listed: stateMu (freeze/manual-freeze) before failMu (fail counts);
// cycleMu (key list + rotator cursor) is always acquired independently of
// the other two. precheckMu guards the double-buffer state machine and is
// never held across a network call — validation happens after the relevant
// lock is released, and results are written back under a fresh short
// critical section.
//
// # Invariants
//
//   - 0 <= currentIndex <= len(current buffer).
//   - At most one precheck fill runs at a time per pool.
//   - A Selector call observes either the pre-swap or post-swap current
//     buffer, never a torn view.
//   - Neither stateMu, failMu, nor cycleMu is ever held across I/O.
//
// # Failure behaviour
//
// Upstream 429/quota responses freeze a key without touching its failure
// count; every other upstream failure increments the failure count and, at
// the configured threshold, the key is classified invalid until a
// successful validation resets it. A pool never blocks indefinitely: the
// Selector always returns a key or a PoolEmpty error, degrading gracefully
// when no fully-valid candidate exists.
package keypool

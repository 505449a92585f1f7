// Package notifier delivers rendered alerts and digests to chat targets.
//
// Delivery is synchronous: the caller (dispatch cycle or digest job) needs the
// outcome to decide whether to record the dedup fingerprint. Every call shares
// one token bucket so bursts across users stay under the platform's limits,
// retries transient failures with jittered backoff and is bounded by the
// caller's context.
//
// A chart image, when present, is sent after the text. A failed photo never
// fails the delivery: the text already reached the user.
package notifier

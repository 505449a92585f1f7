// Package dispatch runs the notification cycle.
//
// Each tick loads the two-day event window once, matches every recipient
// against it without doing any delivery I/O, then delivers the surviving
// candidates on a bounded worker pool. A candidate is one group of events
// sharing a scheduled instant: a group of one renders as an individual alert,
// larger groups render as a single "multiple events" message.
//
// The dedup ledger is consulted before sending and written only after a
// successful delivery, so a failed or timed-out send is retried on the next
// tick while the match band is still open.
package dispatch

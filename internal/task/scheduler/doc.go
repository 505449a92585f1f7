// Package scheduler registers cron and interval triggers and enqueues their
// jobs into the task engine. It never runs job bodies itself.
//
// Cron specs may carry a per-entry "CRON_TZ=<IANA zone>" prefix, which is how
// per-user digest slots fire at the right wall-clock time in their own zone.
package scheduler

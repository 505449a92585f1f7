// Package digest owns the daily digest jobs.
//
// The Reconciler keeps exactly one cron job per distinct (hour, minute,
// timezone) slot referenced by digest-enabled users, never one per user. The
// set of users behind a slot is not stored: when a job fires the Compiler
// re-reads preferences and keeps the users whose slot still matches.
package digest

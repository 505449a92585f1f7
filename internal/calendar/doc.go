// Package calendar holds the economic-calendar event model and the pure
// functions run against it each cycle: time-window matching, same-instant
// grouping and the actual-vs-forecast surprise annotation.
//
// Nothing here does I/O. Events arrive through a Source implemented by the
// storage layer.
package calendar

package calendar

import (
	"errors"
	"time"
)

// DefaultEpsilon widens the band past half a poll interval so that each event
// is seen by two or three consecutive polls.
const DefaultEpsilon = 90 * time.Second

// ToleranceFor derives the match tolerance from the poll interval:
// poll/2 + epsilon. A 2m poll gives 2m30s.
func ToleranceFor(poll, epsilon time.Duration) time.Duration {
	if epsilon < 0 {
		epsilon = 0
	}
	return poll/2 + epsilon
}

// Matcher decides whether an event is due for a user with a given lead time.
type Matcher struct {
	Tolerance time.Duration
	// Location reads event dates and clock strings.
	Location *time.Location
}

func NewMatcher(poll, epsilon time.Duration, loc *time.Location) Matcher {
	return Matcher{Tolerance: ToleranceFor(poll, epsilon), Location: loc}
}

// Match reports whether ev starts lead from now, within the closed band
// [lead-Tolerance, lead+Tolerance]. Past events and events without a clock
// time never match; the error is returned so callers can count them.
func (m Matcher) Match(ev Event, now time.Time, lead time.Duration) (bool, error) {
	at, err := ev.At(m.Location)
	if err != nil {
		return false, err
	}
	return m.MatchAt(at, now, lead), nil
}

// MatchAt is Match for an already-resolved instant.
func (m Matcher) MatchAt(at, now time.Time, lead time.Duration) bool {
	diff := at.Sub(now)
	if diff <= 0 {
		return false
	}
	delta := diff - lead
	if delta < 0 {
		delta = -delta
	}
	return delta <= m.Tolerance
}

// Timed pairs an event with its resolved instant.
type Timed struct {
	Event
	At time.Time
}

// Due filters events to those matching for lead at now, keeping source order.
// Malformed events are returned separately; events without a clock time are
// dropped silently.
func (m Matcher) Due(events []Event, now time.Time, lead time.Duration, impacts ImpactSet) (due []Timed, malformed []Event) {
	for _, ev := range events {
		if !impacts.Empty() && !impacts.Has(ev.Impact) {
			continue
		}
		at, err := ev.At(m.Location)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				malformed = append(malformed, ev)
			}
			continue
		}
		if m.MatchAt(at, now, lead) {
			due = append(due, Timed{Event: ev, At: at})
		}
	}
	return due, malformed
}

package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoClockTime marks events without a concrete time ("All Day",
	// "Tentative", empty). They are listed in digests but never matched.
	ErrNoClockTime = errors.New("event has no clock time")
	// ErrMalformed marks events whose date or time cannot be read.
	ErrMalformed = errors.New("malformed event time")
)

// Event is one scheduled release as published by the source. Date carries
// only the calendar day; Time is the raw clock string from the source.
type Event struct {
	ID       string
	Date     time.Time
	Time     string
	Currency string
	Impact   Impact
	Title    string
	Actual   string
	Forecast string
	Previous string
}

var clockLayouts = []string{"15:04", "15:04:05", "3:04pm", "3:04 pm", "3pm"}

// At resolves the scheduled instant with the date and time read in loc.
func (e Event) At(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if e.Date.IsZero() {
		return time.Time{}, fmt.Errorf("event %s: %w: missing date", e.ID, ErrMalformed)
	}
	h, m, err := ParseClock(e.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	y, mo, d := e.Date.Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

// ParseClock reads the source clock formats: "14:30", "14:30:00", "2:30pm".
func ParseClock(raw string) (hour, minute int, err error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "all day", "tentative", "day 1", "day 2", "tbd":
		return 0, 0, ErrNoClockTime
	}
	for _, layout := range clockLayouts {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrMalformed, raw)
}

// DisplayTime is the HH:MM form used in messages, or the raw value for
// events without a clock time.
func (e Event) DisplayTime() string {
	h, m, err := ParseClock(e.Time)
	if err != nil {
		if t := strings.TrimSpace(e.Time); t != "" {
			return t
		}
		return "All Day"
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

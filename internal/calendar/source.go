package calendar

import (
	"context"
	"time"
)

// Source lists the events published for one calendar day. Implementations
// must be safe for concurrent use.
type Source interface {
	ListEvents(ctx context.Context, day time.Time) ([]Event, error)
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ListWindow loads today's and tomorrow's events (in loc) with one call per
// day. Events near midnight are matched against either day.
func ListWindow(ctx context.Context, src Source, now time.Time, loc *time.Location) ([]Event, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := Day(now.In(loc))
	out, err := src.ListEvents(ctx, today)
	if err != nil {
		return nil, err
	}
	next, err := src.ListEvents(ctx, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	return append(out, next...), nil
}

package dispatch

import (
	"context"
	"time"

	"fxalert/internal/calendar"
	"fxalert/internal/notifier"
	"fxalert/internal/prefs"
)

// Deliverer hands a rendered message to the chat transport.
type Deliverer interface {
	Deliver(ctx context.Context, msg notifier.Message) error
}

// ChartRequester is the throttled chart gate.
type ChartRequester interface {
	Request(ctx context.Context, target int64, currency string, around time.Time) ([]byte, bool)
}

// UserLister supplies the users with notifications enabled.
type UserLister interface {
	ListNotifyUsers(ctx context.Context) ([]prefs.Preference, error)
}

type Config struct {
	PollInterval time.Duration
	// Tolerance overrides the derived poll/2+Epsilon band when > 0.
	Tolerance       time.Duration
	Epsilon         time.Duration
	DeliveryTimeout time.Duration
	Workers         int
	// Location is the timezone the event source publishes in.
	Location *time.Location

	Channel ChannelConfig
}

// ChannelConfig describes the broadcast chat, handled as one more recipient
// with fixed settings.
type ChannelConfig struct {
	Enabled  bool
	ChatID   int64
	Lead     time.Duration
	Impacts  calendar.ImpactSet
	Location *time.Location
	Charts   bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Minute
	}
	if c.Epsilon <= 0 {
		c.Epsilon = calendar.DefaultEpsilon
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Channel.Lead <= 0 {
		c.Channel.Lead = 30 * time.Minute
	}
	if c.Channel.Location == nil {
		c.Channel.Location = c.Location
	}
	return c
}

// EffectiveTolerance is the match band half-width in use.
func (c Config) EffectiveTolerance() time.Duration {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return calendar.ToleranceFor(c.PollInterval, c.Epsilon)
}

// Report summarizes one tick.
type Report struct {
	TickID    string        `json:"tick_id"`
	At        time.Time     `json:"at"`
	Users     int           `json:"users"`
	Events    int           `json:"events"`
	Matched   int           `json:"matched"`
	Skipped   int           `json:"skipped"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Malformed int           `json:"malformed"`
	Took      time.Duration `json:"took"`
}

// recipient is a user or the broadcast channel, resolved for one tick.
type recipient struct {
	ID       int64
	Lead     time.Duration
	Impacts  calendar.ImpactSet
	Location *time.Location
	Charts   bool
	Channel  bool
}

func (r recipient) leadMinutes() int { return int(r.Lead / time.Minute) }

type candidate struct {
	to    recipient
	group calendar.Group
	key   string
}

func (c candidate) kind() notifier.Kind {
	switch {
	case c.to.Channel:
		return notifier.KindChannelAlert
	case c.group.Single():
		return notifier.KindAlert
	default:
		return notifier.KindGroupAlert
	}
}

func recipientFromPref(p prefs.Preference, fallback *time.Location) recipient {
	loc, err := p.Location()
	if err != nil {
		loc = fallback
	}
	return recipient{
		ID:       p.UserID,
		Lead:     p.Lead(),
		Impacts:  p.NotifySet(),
		Location: loc,
		Charts:   p.ChartsEnabled,
	}
}

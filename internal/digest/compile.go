package digest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"fxalert/internal/calendar"
	"fxalert/internal/eventbus"
	"fxalert/internal/metrics"
	"fxalert/internal/notifier"
	"fxalert/internal/prefs"
	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

// Deliverer hands a rendered digest to the chat transport.
type Deliverer interface {
	Deliver(ctx context.Context, msg notifier.Message) error
}

// ChannelConfig is the fixed broadcast digest.
type ChannelConfig struct {
	Enabled    bool
	ChatID     int64
	Impacts    calendar.ImpactSet
	Currencies []string
	Location   *time.Location
}

type CompilerConfig struct {
	// SourceLocation is the timezone the event source publishes in.
	SourceLocation  *time.Location
	DeliveryTimeout time.Duration
	Channel         ChannelConfig
}

// FireReport summarizes one slot run.
type FireReport struct {
	Slot    string `json:"slot"`
	Users   int    `json:"users"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

type Compiler struct {
	cfg   CompilerConfig
	src   calendar.Source
	users UserLister
	out   Deliverer

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCompiler(cfg CompilerConfig, src calendar.Source, users UserLister, out Deliverer, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Compiler {
	if cfg.SourceLocation == nil {
		cfg.SourceLocation = time.UTC
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if cfg.Channel.Location == nil {
		cfg.Channel.Location = cfg.SourceLocation
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Compiler{cfg: cfg, src: src, users: users, out: out, log: log, bus: bus, metrics: m, now: time.Now}
}

// SetClock replaces the wall clock; tests pin the fire date with it.
func (c *Compiler) SetClock(now func() time.Time) { c.now = now }

// Fire sends the digest to every user currently assigned to slot. Users are
// re-read so a preference change that reconciliation has not caught up with
// yet is still honored. Per-user failures are counted, not returned.
func (c *Compiler) Fire(ctx context.Context, slot prefs.Slot) (FireReport, error) {
	rep := FireReport{Slot: slot.String()}
	log := c.log.With(logx.String("slot", rep.Slot))

	loc, err := time.LoadLocation(slot.Timezone)
	if err != nil {
		return rep, fmt.Errorf("slot %s: %w", rep.Slot, err)
	}
	ps, err := c.users.ListDigestUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list digest users: %w", err)
	}
	var members []prefs.Preference
	for _, p := range ps {
		if p.DigestEnabled && p.Slot() == slot {
			members = append(members, p)
		}
	}
	rep.Users = len(members)
	if len(members) == 0 {
		log.Debug("digest slot fired with no users")
		return rep, nil
	}

	date := calendar.Day(c.now().In(loc))
	items, err := c.dayEvents(ctx, date)
	if err != nil {
		return rep, err
	}

	for _, p := range members {
		switch c.fireUser(ctx, log, p, date, items) {
		case outcomeSent:
			rep.Sent++
		case outcomeFailed:
			rep.Failed++
		case outcomeSkipped:
			rep.Skipped++
		}
	}

	log.Info("digest slot fired",
		logx.Int("users", rep.Users), logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed), logx.Int("skipped", rep.Skipped))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicDigestSent, Data: rep})
	}
	return rep, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

func (c *Compiler) fireUser(ctx context.Context, log logx.Logger, p prefs.Preference, date time.Time, items []item) (res outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			res = outcomeFailed
			log.Error("digest panic", logx.Int64("user", p.UserID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()

	sel := filter(items, p.DigestSet(), p.WantsCurrency)
	if len(sel) == 0 {
		c.metrics.DigestSkipped()
		return outcomeSkipped
	}
	err := c.deliver(ctx, notifier.Message{
		Kind:   notifier.KindDigest,
		Target: kit.ChatTarget{ChatID: p.UserID},
		Text:   render(date, sel),
	})
	if err != nil {
		c.metrics.DigestFailed("user")
		log.Warn("digest delivery failed", logx.Int64("user", p.UserID), logx.Err(err))
		return outcomeFailed
	}
	c.metrics.DigestSent("user")
	return outcomeSent
}

// FireChannel sends the broadcast digest using the fixed channel filters.
func (c *Compiler) FireChannel(ctx context.Context) error {
	ch := c.cfg.Channel
	if !ch.Enabled || ch.ChatID == 0 {
		return nil
	}
	date := calendar.Day(c.now().In(ch.Location))
	items, err := c.dayEvents(ctx, date)
	if err != nil {
		return err
	}
	wants := func(cur string) bool {
		if len(ch.Currencies) == 0 {
			return true
		}
		for _, w := range ch.Currencies {
			if strings.EqualFold(w, cur) {
				return true
			}
		}
		return false
	}
	sel := filter(items, ch.Impacts, wants)
	if len(sel) == 0 {
		c.metrics.DigestSkipped()
		c.log.Info("channel digest skipped, nothing matched", logx.String("date", date.Format("2006-01-02")))
		return nil
	}
	err = c.deliver(ctx, notifier.Message{
		Kind:   notifier.KindChannelDigest,
		Target: kit.ChatTarget{ChatID: ch.ChatID},
		Text:   render(date, sel),
	})
	if err != nil {
		c.metrics.DigestFailed("channel")
		return fmt.Errorf("channel digest: %w", err)
	}
	c.metrics.DigestSent("channel")
	return nil
}

func (c *Compiler) deliver(ctx context.Context, msg notifier.Message) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
	defer cancel()
	return c.out.Deliver(dctx, msg)
}

// item is an event placed on a local calendar day. timed is false for
// all-day entries.
type item struct {
	ev    calendar.Event
	at    time.Time
	timed bool
}

// dayEvents collects the events of the local day date (midnight in its
// location). The source publishes by its own day, so up to two source days
// are read and trimmed to the local window.
func (c *Compiler) dayEvents(ctx context.Context, date time.Time) ([]item, error) {
	srcLoc := c.cfg.SourceLocation
	start, end := date, date.AddDate(0, 0, 1)

	days := []time.Time{calendar.Day(start.In(srcLoc))}
	if last := calendar.Day(end.Add(-time.Nanosecond).In(srcLoc)); !last.Equal(days[0]) {
		days = append(days, last)
	}

	var out []item
	for _, d := range days {
		evs, err := c.src.ListEvents(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("list events %s: %w", d.Format("2006-01-02"), err)
		}
		for _, ev := range evs {
			at, err := ev.At(srcLoc)
			switch {
			case err == nil:
				if !at.Before(start) && at.Before(end) {
					out = append(out, item{ev: ev, at: at, timed: true})
				}
			case errors.Is(err, calendar.ErrNoClockTime):
				y, m, dd := ev.Date.Date()
				if dy, dm, ddd := date.Date(); y == dy && m == dm && dd == ddd {
					out = append(out, item{ev: ev})
				}
			default:
				c.log.Debug("digest skips malformed event", logx.String("id", ev.ID), logx.Err(err))
			}
		}
	}
	return dedupItems(out), nil
}

func dedupItems(in []item) []item {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, it := range in {
		if _, ok := seen[it.ev.ID]; ok {
			continue
		}
		seen[it.ev.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

func filter(items []item, impacts calendar.ImpactSet, wantsCurrency func(string) bool) []item {
	var out []item
	for _, it := range items {
		if !impacts.Empty() && !impacts.Has(it.ev.Impact) {
			continue
		}
		if !wantsCurrency(it.ev.Currency) {
			continue
		}
		out = append(out, it)
	}
	return out
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fxalert/internal/calendar"
	"fxalert/internal/eventbus"
	"fxalert/internal/ledger"
	"fxalert/internal/metrics"
	"fxalert/internal/notifier"
	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

// Cycle is the notification dispatch loop. Ticks are serialized: a manual
// trigger waits for a scheduled tick in flight and vice versa, which keeps the
// ledger's seen-then-record sequence free of races between ticks.
type Cycle struct {
	mu  sync.Mutex
	cfg Config

	tickMu sync.Mutex

	src    calendar.Source
	users  UserLister
	ledger *ledger.Ledger
	out    Deliverer
	charts ChartRequester

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Cycle)

func WithCharts(c ChartRequester) Option    { return func(cy *Cycle) { cy.charts = c } }
func WithLogger(log logx.Logger) Option     { return func(cy *Cycle) { cy.log = log } }
func WithBus(bus eventbus.Bus) Option       { return func(cy *Cycle) { cy.bus = bus } }
func WithMetrics(m *metrics.Metrics) Option { return func(cy *Cycle) { cy.metrics = m } }
func WithClock(now func() time.Time) Option { return func(cy *Cycle) { cy.now = now } }

func New(cfg Config, src calendar.Source, users UserLister, l *ledger.Ledger, out Deliverer, opts ...Option) *Cycle {
	c := &Cycle{
		cfg:    cfg.withDefaults(),
		src:    src,
		users:  users,
		ledger: l,
		out:    out,
		log:    logx.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

func (c *Cycle) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Cycle) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Run is the scheduled entry point. Errors mean the tick was skipped; the
// next tick retries on its own.
func (c *Cycle) Run(ctx context.Context) error {
	_, err := c.Tick(ctx, c.now())
	return err
}

// Tick runs one full cycle at now. It returns an error only when the event
// source or the preference store could not be read; per-recipient failures
// are counted in the report.
func (c *Cycle) Tick(ctx context.Context, now time.Time) (Report, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	cfg := c.Config()
	start := time.Now()
	rep := Report{TickID: uuid.NewString(), At: now}
	log := c.log.With(logx.String("tick", rep.TickID))

	events, err := calendar.ListWindow(ctx, c.src, now, cfg.Location)
	if err != nil {
		c.metrics.Tick("source_error", time.Since(start))
		log.Warn("event source unavailable, skipping tick", logx.Err(err))
		return rep, fmt.Errorf("list events: %w", err)
	}
	rep.Events = len(events)

	users, err := c.users.ListNotifyUsers(ctx)
	if err != nil {
		c.metrics.Tick("store_error", time.Since(start))
		log.Warn("preference store unavailable, skipping tick", logx.Err(err))
		return rep, fmt.Errorf("list users: %w", err)
	}
	rep.Users = len(users)

	malformed := countMalformed(events, cfg.Location)
	if len(malformed) > 0 {
		rep.Malformed = len(malformed)
		c.metrics.Malformed(len(malformed))
		log.Warn("malformed events excluded from matching",
			logx.Int("count", len(malformed)), logx.Strings("ids", malformed))
	}

	recipients := make([]recipient, 0, len(users)+1)
	for _, p := range users {
		if !p.NotifyEnabled || p.LeadMinutes <= 0 {
			continue
		}
		recipients = append(recipients, recipientFromPref(p, cfg.Location))
	}
	if ch := cfg.Channel; ch.Enabled && ch.ChatID != 0 {
		recipients = append(recipients, recipient{
			ID: ch.ChatID, Lead: ch.Lead, Impacts: ch.Impacts, Location: ch.Location, Charts: ch.Charts, Channel: true,
		})
	}

	matcher := calendar.Matcher{Tolerance: cfg.EffectiveTolerance(), Location: cfg.Location}
	byRecipient := c.match(ctx, log, matcher, events, now, recipients, &rep)

	if len(byRecipient) > 0 {
		sent, failed := c.deliver(ctx, log, cfg, byRecipient)
		rep.Sent, rep.Failed = sent, failed
	}

	rep.Took = time.Since(start)
	c.metrics.Tick("ok", rep.Took)
	c.metrics.Ledger(c.ledger.Len(), 0)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicDispatchTick, Time: now, Data: rep})
	}
	if rep.Matched > 0 || rep.Failed > 0 {
		log.Info("dispatch tick",
			logx.Int("users", rep.Users), logx.Int("matched", rep.Matched), logx.Int("skipped", rep.Skipped),
			logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Duration("took", rep.Took))
	} else {
		log.Debug("dispatch tick", logx.Int("users", rep.Users), logx.Int("events", rep.Events))
	}
	return rep, nil
}

// match builds the candidate list per recipient. It touches only the ledger.
func (c *Cycle) match(ctx context.Context, log logx.Logger, m calendar.Matcher, events []calendar.Event, now time.Time, rs []recipient, rep *Report) [][]candidate {
	var out [][]candidate
	for _, r := range rs {
		cands, skipped, err := c.matchOne(ctx, m, events, now, r)
		if err != nil {
			log.Error("match failed", logx.Int64("recipient", r.ID), logx.Err(err))
			continue
		}
		rep.Skipped += skipped
		if len(cands) == 0 {
			continue
		}
		rep.Matched += len(cands)
		out = append(out, cands)
	}
	return out
}

func (c *Cycle) matchOne(ctx context.Context, m calendar.Matcher, events []calendar.Event, now time.Time, r recipient) (cands []candidate, skipped int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()

	due, _ := m.Due(events, now, r.Lead, r.Impacts)
	if len(due) == 0 {
		return nil, 0, nil
	}
	for _, g := range calendar.GroupByTime(due) {
		cand := candidate{to: r, group: g}
		if g.Single() {
			cand.key = ledger.EventKey(r.ID, g.Events[0].ID, r.leadMinutes())
		} else {
			cand.key = ledger.GroupKey(r.ID, r.leadMinutes(), g.IDs())
		}
		kind := string(cand.kind())
		c.metrics.Matched(kind, 1)
		if c.ledger.Seen(ctx, cand.key) {
			skipped++
			c.metrics.Deduped(kind)
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{Type: eventbus.TopicNotifyDeduped, Data: notifier.DeliveryEvent{
					Kind: cand.kind(), ChatID: r.ID, Key: cand.key,
				}})
			}
			continue
		}
		cands = append(cands, cand)
	}
	return cands, skipped, nil
}

// deliver fans recipients out to a bounded pool. Candidates of one recipient
// go out in chronological order on the same worker.
func (c *Cycle) deliver(ctx context.Context, log logx.Logger, cfg Config, work [][]candidate) (sent, failed int) {
	var nSent, nFailed atomic.Int64
	jobs := make(chan []candidate)
	workers := cfg.Workers
	if workers > len(work) {
		workers = len(work)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cands := range jobs {
				s, f := c.deliverRecipient(ctx, log, cfg, cands)
				nSent.Add(int64(s))
				nFailed.Add(int64(f))
			}
		}()
	}
	for _, cands := range work {
		jobs <- cands
	}
	close(jobs)
	wg.Wait()
	return int(nSent.Load()), int(nFailed.Load())
}

func (c *Cycle) deliverRecipient(ctx context.Context, log logx.Logger, cfg Config, cands []candidate) (sent, failed int) {
	defer func() {
		if rec := recover(); rec != nil {
			failed = len(cands) - sent
			log.Error("delivery panic",
				logx.Int64("recipient", cands[0].to.ID), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()

	for _, cand := range cands {
		if err := c.deliverOne(ctx, cfg, cand); err != nil {
			failed++
			c.metrics.NotifyFailed(string(cand.kind()))
			log.Warn("delivery failed, will retry next tick",
				logx.Int64("recipient", cand.to.ID), logx.String("kind", string(cand.kind())),
				logx.Strings("events", cand.group.IDs()), logx.Err(err))
			continue
		}
		sent++
		c.metrics.NotifySent(string(cand.kind()))
	}
	return sent, failed
}

func (c *Cycle) deliverOne(ctx context.Context, cfg Config, cand candidate) error {
	msg := notifier.Message{
		Kind:   cand.kind(),
		Text:   renderGroup(cand.group, cand.to.leadMinutes(), cand.to.Location),
		Key:    cand.key,
		Target: kit.ChatTarget{ChatID: cand.to.ID},
	}

	// The chart runs under the renderer's own timeout; the delivery budget
	// starts once it is done.
	if cand.to.Charts && c.charts != nil {
		top := cand.group.Top()
		if img, ok := c.charts.Request(ctx, cand.to.ID, top.Currency, top.At); ok {
			msg.Photo = img
			msg.PhotoCaption = chartCaption(top, cand.to.Location)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	defer cancel()

	if err := c.out.Deliver(dctx, msg); err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("delivery timed out after %s: %w", cfg.DeliveryTimeout, err)
		}
		return err
	}
	// Zero time: the ledger stamps with its own clock.
	c.ledger.Record(ctx, cand.key, time.Time{})
	return nil
}

func countMalformed(events []calendar.Event, loc *time.Location) []string {
	var ids []string
	for _, ev := range events {
		if _, err := ev.At(loc); errors.Is(err, calendar.ErrMalformed) {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

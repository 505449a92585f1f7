package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxalert/internal/calendar"
	"fxalert/internal/ledger"
	"fxalert/internal/notifier"
	"fxalert/internal/prefs"
	logx "fxalert/pkg/logx"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type fakeSource struct {
	events map[time.Time][]calendar.Event
	err    error
}

func (f *fakeSource) ListEvents(_ context.Context, d time.Time) ([]calendar.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events[d], nil
}

type fakeUsers struct {
	users []prefs.Preference
	err   error
}

func (f *fakeUsers) ListNotifyUsers(context.Context) ([]prefs.Preference, error) {
	return f.users, f.err
}

type fakeOut struct {
	mu     sync.Mutex
	fail   map[int64]bool
	block  bool
	sent   []notifier.Message
	charts int
}

func (f *fakeOut) Deliver(ctx context.Context, msg notifier.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.Target.ChatID] {
		return errors.New("chat unreachable")
	}
	f.sent = append(f.sent, msg)
	if len(msg.Photo) > 0 {
		f.charts++
	}
	return nil
}

func (f *fakeOut) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCharts struct{ calls int }

func (f *fakeCharts) Request(_ context.Context, _ int64, currency string, _ time.Time) ([]byte, bool) {
	f.calls++
	return []byte("png"), true
}

// slowCharts takes longer than the delivery timeout and then gives up, the
// way a throttled render does when the renderer hangs.
type slowCharts struct{ wait time.Duration }

func (f slowCharts) Request(ctx context.Context, _ int64, _ string, _ time.Time) ([]byte, bool) {
	select {
	case <-ctx.Done():
	case <-time.After(f.wait):
	}
	return nil, false
}

func ev(id, clock, cur string, imp calendar.Impact, title string) calendar.Event {
	return calendar.Event{ID: id, Date: day, Time: clock, Currency: cur, Impact: imp, Title: title}
}

func user(id int64) prefs.Preference {
	p := prefs.Defaults(id)
	p.Timezone = "UTC"
	return p
}

func newCycle(src calendar.Source, users UserLister, out Deliverer, opts ...Option) (*Cycle, *ledger.Ledger) {
	l := ledger.New(24 * time.Hour)
	cfg := Config{PollInterval: 2 * time.Minute, DeliveryTimeout: time.Second, Workers: 4, Location: time.UTC}
	opts = append([]Option{WithLogger(logx.Nop())}, opts...)
	return New(cfg, src, users, l, out, opts...), l
}

func TestFailureForOneUserDoesNotBlockOthers(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("nfp", "14:30", "USD", calendar.ImpactHigh, "Non-Farm Payrolls")},
	}}
	users := &fakeUsers{}
	for i := int64(1); i <= 50; i++ {
		users.users = append(users.users, user(i))
	}
	out := &fakeOut{fail: map[int64]bool{13: true}}
	cy, l := newCycle(src, users, out)

	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Users)
	assert.Equal(t, 50, rep.Matched)
	assert.Equal(t, 49, rep.Sent)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 49, l.Len(), "failed delivery must not be recorded")

	// Recovery on the next poll, still inside the band.
	out.fail = nil
	rep, err = cy.Tick(context.Background(), at(14, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 49, rep.Skipped)
	assert.Equal(t, 50, out.count())
}

func TestSameInstantEventsRenderAsOneMessage(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {
			ev("de-cpi", "14:30", "EUR", calendar.ImpactMedium, "German CPI m/m"),
			ev("us-cpi", "14:30", "USD", calendar.ImpactHigh, "CPI m/m"),
		},
	}}
	u := user(1)
	u.NotifyImpacts = []string{"high", "medium"}
	out := &fakeOut{}
	cy, l := newCycle(src, &fakeUsers{users: []prefs.Preference{u}}, out)

	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	assert.Equal(t, 1, l.Len())

	msg := out.sent[0]
	assert.Equal(t, notifier.KindGroupAlert, msg.Kind)
	assert.Contains(t, msg.Text, "In 30 minutes: multiple events!")
	hi := strings.Index(msg.Text, "High impact")
	med := strings.Index(msg.Text, "Medium impact")
	require.True(t, hi >= 0 && med >= 0, msg.Text)
	assert.Less(t, hi, med, "high section renders first")
	assert.Equal(t, ledger.GroupKey(1, 30, []string{"us-cpi", "de-cpi"}), msg.Key)
}

func TestRepeatedPollingDeliversOnce(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("rate", "14:30", "GBP", calendar.ImpactHigh, "Official Bank Rate")},
	}}
	out := &fakeOut{}
	cy, _ := newCycle(src, &fakeUsers{users: []prefs.Preference{user(7)}}, out)

	for now := at(13, 40); !now.After(at(14, 30)); now = now.Add(2 * time.Minute) {
		_, err := cy.Tick(context.Background(), now)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, out.count())

	// A manual trigger at the same instant changes nothing.
	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	assert.Zero(t, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)
}

func TestEveryPollPhaseCatchesEventOnce(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("e", "14:30", "JPY", calendar.ImpactHigh, "BoJ")},
	}}
	for offset := 0; offset < 120; offset += 15 {
		t.Run(fmt.Sprintf("offset_%ds", offset), func(t *testing.T) {
			out := &fakeOut{}
			cy, _ := newCycle(src, &fakeUsers{users: []prefs.Preference{user(1)}}, out)
			start := at(13, 40).Add(time.Duration(offset) * time.Second)
			for now := start; now.Before(at(14, 30)); now = now.Add(2 * time.Minute) {
				_, err := cy.Tick(context.Background(), now)
				require.NoError(t, err)
			}
			assert.Equal(t, 1, out.count())
		})
	}
}

func TestSourceErrorSkipsTick(t *testing.T) {
	out := &fakeOut{}
	cy, _ := newCycle(&fakeSource{err: errors.New("db down")}, &fakeUsers{users: []prefs.Preference{user(1)}}, out)
	_, err := cy.Tick(context.Background(), at(14, 0))
	require.Error(t, err)
	assert.Zero(t, out.count())

	cy, _ = newCycle(&fakeSource{}, &fakeUsers{err: errors.New("store down")}, out)
	require.Error(t, cy.Run(context.Background()))
}

func TestMalformedAndAllDayEvents(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {
			ev("bad", "25:99", "USD", calendar.ImpactHigh, "Garbage"),
			ev("holiday", "All Day", "USD", calendar.ImpactHigh, "Bank Holiday"),
			ev("ok", "14:30", "USD", calendar.ImpactHigh, "Retail Sales"),
		},
	}}
	out := &fakeOut{}
	cy, _ := newCycle(src, &fakeUsers{users: []prefs.Preference{user(1)}}, out)
	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, ledger.EventKey(1, "ok", 30), out.sent[0].Key)
}

func TestDisabledUsersAndImpactFilter(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("low", "14:30", "CHF", calendar.ImpactLow, "Trade Balance")},
	}}
	off := user(2)
	off.NotifyEnabled = false
	allImpacts := user(3)
	allImpacts.NotifyImpacts = nil
	out := &fakeOut{}
	cy, _ := newCycle(src, &fakeUsers{users: []prefs.Preference{user(1), off, allImpacts}}, out)

	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	assert.EqualValues(t, 3, out.sent[0].Target.ChatID)
}

func TestChannelIsAnExtraRecipient(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("ecb", "13:45", "EUR", calendar.ImpactHigh, "Main Refinancing Rate")},
	}}
	out := &fakeOut{}
	charts := &fakeCharts{}
	cy, _ := newCycle(src, &fakeUsers{}, out, WithCharts(charts))
	cy.Apply(Config{
		PollInterval: 2 * time.Minute, DeliveryTimeout: time.Second, Location: time.UTC,
		Channel: ChannelConfig{
			Enabled: true, ChatID: -1001, Lead: 15 * time.Minute,
			Impacts: calendar.NewImpactSet(calendar.ImpactHigh), Charts: true,
		},
	})

	rep, err := cy.Tick(context.Background(), at(13, 30))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	msg := out.sent[0]
	assert.Equal(t, notifier.KindChannelAlert, msg.Kind)
	assert.EqualValues(t, -1001, msg.Target.ChatID)
	assert.Contains(t, msg.Text, "In 15 minutes: High impact news!")
	assert.Equal(t, 1, charts.calls)
	assert.Equal(t, 1, out.charts)
}

func TestSlowChartStillSendsText(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("boe", "12:00", "GBP", calendar.ImpactHigh, "Official Bank Rate")},
	}}
	u := user(7)
	u.ChartsEnabled = true
	out := &fakeOut{}
	cy, l := newCycle(src, &fakeUsers{users: []prefs.Preference{u}}, out, WithCharts(slowCharts{wait: 300 * time.Millisecond}))
	cy.Apply(Config{PollInterval: 2 * time.Minute, DeliveryTimeout: 100 * time.Millisecond, Location: time.UTC})

	rep, err := cy.Tick(context.Background(), at(11, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 0, rep.Failed)
	require.Equal(t, 1, out.count())
	assert.Empty(t, out.sent[0].Photo)
	assert.Equal(t, 1, l.Len())
}

func TestDeliveryTimeoutIsAFailure(t *testing.T) {
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		day: {ev("x", "14:30", "AUD", calendar.ImpactHigh, "Employment Change")},
	}}
	out := &fakeOut{block: true}
	cy, l := newCycle(src, &fakeUsers{users: []prefs.Preference{user(1)}}, out)
	cy.Apply(Config{PollInterval: 2 * time.Minute, DeliveryTimeout: 20 * time.Millisecond, Location: time.UTC})

	rep, err := cy.Tick(context.Background(), at(14, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, l.Len())
}

func TestEventsFromTomorrowAreVisibleAcrossMidnight(t *testing.T) {
	tomorrow := day.AddDate(0, 0, 1)
	src := &fakeSource{events: map[time.Time][]calendar.Event{
		tomorrow: {{ID: "nz", Date: tomorrow, Time: "00:15", Currency: "NZD", Impact: calendar.ImpactHigh, Title: "GDP q/q"}},
	}}
	out := &fakeOut{}
	cy, _ := newCycle(src, &fakeUsers{users: []prefs.Preference{user(1)}}, out)
	rep, err := cy.Tick(context.Background(), at(23, 45))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
}

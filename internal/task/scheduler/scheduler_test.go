package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxalert/internal/task/engine"
	logx "fxalert/pkg/logx"
)

type fakeEnqueuer struct{ tasks chan engine.Task }

func (f *fakeEnqueuer) Enqueue(t engine.Task) error {
	select {
	case f.tasks <- t:
	default:
	}
	return nil
}

func noop(context.Context) error { return nil }

func TestIntervalScheduleKeepsPhaseAfterOffset(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sched, offset := intervalSchedule(2*time.Minute, now, "dispatch.tick")
	if offset < 0 || offset >= maxFirstRunOffset {
		t.Fatalf("offset %s out of range", offset)
	}
	_, again := intervalSchedule(2*time.Minute, now, "dispatch.tick")
	if again != offset {
		t.Fatalf("offset must be stable per name: %s vs %s", offset, again)
	}

	first := sched.Next(now)
	if !first.Equal(now.Add(offset)) {
		t.Fatalf("first run: got %s want %s", first, now.Add(offset))
	}
	second := sched.Next(first)
	if second.Sub(first) != 2*time.Minute {
		t.Fatalf("second run: got %s", second)
	}
	// A late wake-up snaps back onto the original phase.
	late := sched.Next(first.Add(3 * time.Minute))
	if late.Sub(first) != 4*time.Minute {
		t.Fatalf("late run: got %s", late.Sub(first))
	}

	_, short := intervalSchedule(time.Second, now, "ledger.sweep")
	if short >= time.Second {
		t.Fatalf("offset must stay below a short interval, got %s", short)
	}
}

func TestDailySpecFiresInUserZone(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)

	prague, err := DailySpec(8, 0, "Europe/Prague")
	if err != nil {
		t.Fatal(err)
	}
	ny, err := DailySpec(8, 0, "America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCron("digest.prague", prague, time.Minute, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCron("digest.ny", ny, time.Minute, noop); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{"digest.prague", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)},
		{"digest.ny", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 15, 13, 0, 0, 0, time.UTC)},
		{"digest.prague", time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 7, 15, 6, 0, 0, 0, time.UTC)},
		{"digest.ny", time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		next, ok := s.NextAfter(tc.name, tc.after)
		if !ok {
			t.Fatalf("%s not registered", tc.name)
		}
		if !next.Equal(tc.want) {
			t.Fatalf("%s after %s: got %s want %s", tc.name, tc.after, next.UTC(), tc.want)
		}
	}
}

func TestDailySpecRejectsBadInput(t *testing.T) {
	if _, err := DailySpec(8, 0, "Mars/Olympus"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("expected ErrInvalidTimezone, got %v", err)
	}
	if _, err := DailySpec(24, 0, "UTC"); err == nil {
		t.Fatalf("expected error for hour 24")
	}
	spec, err := DailySpec(7, 5, "")
	if err != nil || spec != "5 7 * * *" {
		t.Fatalf("got %q, %v", spec, err)
	}
}

func TestUpsertAndRemoveByName(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)
	if _, err := s.AddCron("job", "0 7 * * *", 0, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddCron("job", "0 9 * * *", 0, noop); err != nil {
		t.Fatal(err)
	}
	if got := s.Names(); len(got) != 1 {
		t.Fatalf("expected one definition after upsert, got %v", got)
	}
	next, _ := s.NextAfter("job", time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local))
	if next.Hour() != 9 {
		t.Fatalf("expected replacement spec to win, got %s", next)
	}

	if _, err := s.AddCron("broken", "not a cron", 0, noop); err == nil {
		t.Fatalf("expected parse error")
	}
	if s.Has("broken") {
		t.Fatalf("invalid spec must not be registered")
	}

	if !s.Remove("job") || s.Remove("job") {
		t.Fatalf("remove should report true once")
	}
}

func TestCronTriggerEnqueuesTask(t *testing.T) {
	fe := &fakeEnqueuer{tasks: make(chan engine.Task, 4)}
	s := New(Config{Enabled: true, Timezone: "UTC"}, fe, logx.Nop(), nil)
	if _, err := s.AddCron("tick", "* * * * * *", time.Second, noop); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case task := <-fe.tasks:
		if task.Name != "tick" || task.Timeout != time.Second || task.State == nil {
			t.Fatalf("unexpected task %+v", task)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cron did not enqueue")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("expected live schedule with next time, got %+v", snap.Schedules)
	}
}

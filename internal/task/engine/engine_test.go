package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fxalert/internal/eventbus"
	logx "fxalert/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, topic string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == topic {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "ledger.sweep", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}))

	ev := waitEvent(t, ch, eventbus.TopicTaskFinished)
	require.True(t, ran.Load())
	require.Equal(t, "ledger.sweep", ev.Data.(TaskEvent).Name)
}

func TestRetryStopsOnNoRetry(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "digest.reconcile",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("store down"))
		},
	}))

	ev := waitEvent(t, ch, eventbus.TopicTaskFailed)
	te := ev.Data.(TaskEvent)
	require.Equal(t, 1, te.Attempts)
	require.Equal(t, "store down", te.Error)
	require.EqualValues(t, 1, calls.Load())
}

func TestRetriesTransientFailure(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "digest.fire",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	ev := waitEvent(t, ch, eventbus.TopicTaskFinished)
	require.Equal(t, 3, ev.Data.(TaskEvent).Attempts)
}

func TestPanicBecomesFailure(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		panic("bad state")
	}}))

	ev := waitEvent(t, ch, eventbus.TopicTaskFailed)
	require.Contains(t, ev.Data.(TaskEvent).Error, "panic: bad state")
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "dispatch.tick", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := s.Enqueue(Task{Name: "dispatch.tick", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrOverlapSkip)
	close(release)
}

func TestEnqueueRequiresRunningEngine(t *testing.T) {
	run := func(context.Context) error { return nil }

	s := New(Config{Enabled: false}, logx.Nop(), nil)
	require.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: run}), ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	require.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: run}), ErrStopped)
	require.Error(t, s.Enqueue(Task{Name: " ", Run: run}))
}

func TestQueueFullDropsAndCounts(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	defer close(release)

	run := func(context.Context) error { return nil }
	require.NoError(t, s.Enqueue(Task{Name: "a", Opt: TaskOptions{Overlap: OverlapAllow}, Run: run}))
	require.ErrorIs(t, s.Enqueue(Task{Name: "b", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: run}), ErrQueueFull)

	st := s.Stats()
	require.True(t, st.Running)
	require.EqualValues(t, 1, st.DroppedFull)
	require.Equal(t, 1, st.QueueLen)

	// the dropped run released its overlap slot
	v, ok := s.states.Load("b")
	require.True(t, ok)
	require.True(t, v.(*RunState).acquire())
}

func TestBackoffIsBounded(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(opt, attempt)
		require.GreaterOrEqual(t, d, 80*time.Millisecond, "attempt %d", attempt)
		require.LessOrEqual(t, d, 1200*time.Millisecond, "attempt %d", attempt)
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })
	sup.Go("failer", func(ctx context.Context) error { return errors.New("boom") })

	err := sup.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, "failer: boom", err.Error())
}

func TestPanicIsRecovered(t *testing.T) {
	sup := New(context.Background())
	sup.Go0("panics", func(ctx context.Context) { panic("bad") })

	err := sup.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad")
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.NoError(t, sup.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, runs.Load())
}

func TestGoRestartPublishesFirstError(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("poll", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithPublishFirstError(true))

	err := sup.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll: panic: first")
}

func TestWaitTimeoutNamesStragglers(t *testing.T) {
	sup := New(context.Background())
	release := make(chan struct{})
	sup.Go0("stuck", func(context.Context) { <-release })
	defer close(release)

	assert.Equal(t, []string{"stuck"}, sup.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := sup.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stuck")
}

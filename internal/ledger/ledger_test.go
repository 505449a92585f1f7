package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu   sync.Mutex
	m    map[string]time.Time
	fail bool
}

func (p *memPersister) PutDedup(_ context.Context, key string, until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk full")
	}
	p.m[key] = until
	return nil
}

func (p *memPersister) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return time.Time{}, false, errors.New("disk gone")
	}
	u, ok := p.m[key]
	return u, ok, nil
}

func TestSeenRecordAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	l := New(24*time.Hour, WithClock(c.Now))

	k := EventKey(1, "ev-1", 30)
	assert.False(t, l.Seen(ctx, k))
	l.Record(ctx, k, c.Now())
	assert.True(t, l.Seen(ctx, k))

	c.Advance(24*time.Hour - time.Second)
	assert.True(t, l.Seen(ctx, k))
	c.Advance(time.Second)
	assert.False(t, l.Seen(ctx, k))
	assert.Equal(t, 0, l.Len())
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	l := New(time.Hour)
	l.Record(ctx, "old", base)
	l.Record(ctx, "new", base.Add(50*time.Minute))

	assert.Equal(t, 1, l.Sweep(base.Add(61*time.Minute)))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Sweep(base.Add(61*time.Minute)))
}

func TestPersisterSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{m: map[string]time.Time{}}
	now := time.Now()

	first := New(time.Hour, WithPersister(p))
	first.Record(ctx, "k", now)

	restarted := New(time.Hour, WithPersister(p))
	assert.True(t, restarted.Seen(ctx, "k"))
	assert.Equal(t, 1, restarted.Len())
}

func TestPersisterFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{m: map[string]time.Time{}, fail: true}
	l := New(time.Hour, WithPersister(p))

	assert.False(t, l.Seen(ctx, "k"))
	l.Record(ctx, "k", time.Now())
	assert.True(t, l.Seen(ctx, "k"))
}

func TestGroupKeyIsOrderIndependentAndCompositionSensitive(t *testing.T) {
	a := GroupKey(7, 30, []string{"cpi-us", "cpi-ca", "cpi-mx"})
	b := GroupKey(7, 30, []string{"cpi-mx", "cpi-us", "cpi-ca"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, GroupKey(7, 30, []string{"cpi-us", "cpi-ca"}))
	assert.NotEqual(t, a, GroupKey(8, 30, []string{"cpi-us", "cpi-ca", "cpi-mx"}))
	assert.NotEqual(t, a, GroupKey(7, 15, []string{"cpi-us", "cpi-ca", "cpi-mx"}))
	assert.NotEqual(t, EventKey(7, "cpi-us", 30), GroupKey(7, 30, []string{"cpi-us"}))
	assert.NotEqual(t, EventKey(1, "23", 4), EventKey(12, "3", 4))
}

func TestConcurrentRecordIsSafe(t *testing.T) {
	ctx := context.Background()
	l := New(time.Hour)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := EventKey(int64(i), fmt.Sprint(w), 30)
				if !l.Seen(ctx, k) {
					l.Record(ctx, k, time.Now())
				}
				l.Sweep(time.Now())
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 8*200, l.Len())
}

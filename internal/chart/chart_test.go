package chart

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "fxalert/pkg/logx"
)

type fakeRenderer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, currency string, around time.Time) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png:" + currency), nil
}

func TestThrottleCapsGlobalRequests(t *testing.T) {
	r := &fakeRenderer{}
	th := NewThrottle(Config{Enabled: true, Window: time.Hour, Cap: 2}, r, logx.Nop(), nil)
	now := time.Now()

	_, ok1 := th.Request(context.Background(), 1, "USD", now)
	_, ok2 := th.Request(context.Background(), 2, "EUR", now)
	_, ok3 := th.Request(context.Background(), 3, "GBP", now)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3, "third request inside the window must be omitted")
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestThrottleTargetCooldown(t *testing.T) {
	r := &fakeRenderer{}
	th := NewThrottle(Config{Enabled: true, Window: time.Second, Cap: 100, TargetCooldown: time.Hour}, r, logx.Nop(), nil)

	img, ok := th.Request(context.Background(), 7, "usd", time.Now())
	require.True(t, ok)
	assert.Equal(t, "png:usd", string(img))

	_, ok = th.Request(context.Background(), 7, "EUR", time.Now())
	assert.False(t, ok, "same target is cooling down")

	_, ok = th.Request(context.Background(), 8, "EUR", time.Now())
	assert.True(t, ok, "other targets are unaffected")
}

func TestThrottleRendererErrorMeansNoChart(t *testing.T) {
	r := &fakeRenderer{err: errors.New("upstream down")}
	th := NewThrottle(Config{Enabled: true, Cap: 5, TargetCooldown: time.Hour}, r, logx.Nop(), nil)

	_, ok := th.Request(context.Background(), 1, "USD", time.Now())
	assert.False(t, ok)

	// A failed render does not start the cooldown.
	r.err = nil
	_, ok = th.Request(context.Background(), 1, "USD", time.Now())
	assert.True(t, ok)
}

func TestThrottleDisabled(t *testing.T) {
	r := &fakeRenderer{}
	th := NewThrottle(Config{Enabled: false}, r, logx.Nop(), nil)
	_, ok := th.Request(context.Background(), 1, "USD", time.Now())
	assert.False(t, ok)
	assert.Zero(t, r.calls.Load())

	var nilThrottle *Throttle
	_, ok = nilThrottle.Request(context.Background(), 1, "USD", time.Now())
	assert.False(t, ok)
}

func TestHTTPRenderer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("currency") != "EUR" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("around") != "2026-03-02T13:30:00Z" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	h := NewHTTPRenderer(srv.URL, time.Second)
	b, err := h.Render(context.Background(), "eur", time.Date(2026, 3, 2, 14, 30, 0, 0, time.FixedZone("CET", 3600)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, b)

	_, err = h.Render(context.Background(), "usd", time.Now())
	assert.Error(t, err)
}

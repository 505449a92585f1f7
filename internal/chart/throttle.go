// Package chart gates requests to the chart renderer. A global token bucket
// caps the number of renders per window for the whole process and a per-target
// cooldown keeps a single chat from receiving a chart on every alert.
package chart

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"fxalert/internal/metrics"
	logx "fxalert/pkg/logx"
)

// Renderer produces a chart image for currency around a point in time.
type Renderer interface {
	Render(ctx context.Context, currency string, around time.Time) ([]byte, error)
}

type Config struct {
	Enabled        bool
	Window         time.Duration
	Cap            int
	TargetCooldown time.Duration
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cap <= 0 {
		c.Cap = 5
	}
	if c.TargetCooldown < 0 {
		c.TargetCooldown = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

// Result labels reported to metrics.
const (
	ResultRendered = "rendered"
	ResultCap      = "cap"
	ResultCooldown = "cooldown"
	ResultError    = "error"
	ResultDisabled = "disabled"
)

// Throttle is safe for concurrent use by the dispatch delivery workers.
type Throttle struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	cooldown *cache.Cache

	r       Renderer
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewThrottle(cfg Config, r Renderer, log logx.Logger, m *metrics.Metrics) *Throttle {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Throttle{r: r, log: log, metrics: m}
	t.Apply(cfg)
	return t
}

// Apply swaps the limits. The cooldown table survives unless the cooldown
// duration itself changed.
func (t *Throttle) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limiter == nil || t.cfg.Window != cfg.Window || t.cfg.Cap != cfg.Cap {
		t.limiter = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.Cap)), cfg.Cap)
	}
	if t.cooldown == nil || t.cfg.TargetCooldown != cfg.TargetCooldown {
		t.cooldown = cache.New(cfg.TargetCooldown, 2*cfg.TargetCooldown+time.Minute)
	}
	t.cfg = cfg
}

// Request returns a chart for target, or false when the chart is omitted.
// Omission is never an error for the caller: the text message goes out
// regardless.
func (t *Throttle) Request(ctx context.Context, target int64, currency string, around time.Time) ([]byte, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	cfg := t.cfg
	lim := t.limiter
	cd := t.cooldown
	r := t.r
	t.mu.Unlock()

	if !cfg.Enabled || r == nil {
		t.metrics.Chart(ResultDisabled)
		return nil, false
	}

	key := strconv.FormatInt(target, 10)
	if cfg.TargetCooldown > 0 {
		if _, hot := cd.Get(key); hot {
			t.metrics.Chart(ResultCooldown)
			return nil, false
		}
	}
	if !lim.Allow() {
		t.metrics.Chart(ResultCap)
		t.log.Debug("chart omitted, global cap reached",
			logx.Int64("target", target), logx.String("currency", currency))
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	img, err := r.Render(rctx, currency, around)
	cancel()
	if err == nil && len(img) == 0 {
		err = errors.New("renderer returned empty image")
	}
	if err != nil {
		t.metrics.Chart(ResultError)
		t.log.Warn("chart render failed",
			logx.Int64("target", target), logx.String("currency", currency), logx.Err(err))
		return nil, false
	}

	if cfg.TargetCooldown > 0 {
		cd.Set(key, struct{}{}, cfg.TargetCooldown)
	}
	t.metrics.Chart(ResultRendered)
	return img, true
}

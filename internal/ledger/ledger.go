// Package ledger is the dedup ledger: a fingerprint set with a retention
// window. A key recorded at t is "seen" until t+retention.
package ledger

import (
	"context"
	"sync"
	"time"

	logx "fxalert/pkg/logx"
)

const DefaultRetention = 24 * time.Hour

// Persister mirrors fingerprints outside the process so a restart inside the
// retention window does not resend.
type Persister interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Ledger struct {
	mu        sync.Mutex
	entries   map[string]time.Time // key -> expiry
	retention time.Duration

	persist Persister
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Ledger)

func WithPersister(p Persister) Option { return func(l *Ledger) { l.persist = p } }

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(retention time.Duration, opts ...Option) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	l := &Ledger{
		entries:   make(map[string]time.Time),
		retention: retention,
		log:       logx.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

func (l *Ledger) Retention() time.Duration { return l.retention }

// Seen reports whether key was recorded within the retention window. On a
// memory miss the persister is consulted and a hit is cached. Persister
// errors count as "not seen".
func (l *Ledger) Seen(ctx context.Context, key string) bool {
	now := l.now()

	l.mu.Lock()
	until, ok := l.entries[key]
	if ok && !now.Before(until) {
		delete(l.entries, key)
		ok = false
	}
	l.mu.Unlock()
	if ok {
		return true
	}
	if l.persist == nil {
		return false
	}

	until, ok, err := l.persist.GetDedup(ctx, key)
	if err != nil {
		l.log.Warn("dedup lookup failed", logx.String("key", short(key)), logx.Err(err))
		return false
	}
	if !ok || !now.Before(until) {
		return false
	}
	l.mu.Lock()
	l.entries[key] = until
	l.mu.Unlock()
	return true
}

// Record marks key as sent at t. Persistence failures are logged only.
func (l *Ledger) Record(ctx context.Context, key string, at time.Time) {
	if at.IsZero() {
		at = l.now()
	}
	until := at.Add(l.retention)

	l.mu.Lock()
	if cur, ok := l.entries[key]; !ok || until.After(cur) {
		l.entries[key] = until
	}
	l.mu.Unlock()

	if l.persist != nil {
		if err := l.persist.PutDedup(ctx, key, until); err != nil {
			l.log.Warn("dedup persist failed", logx.String("key", short(key)), logx.Err(err))
		}
	}
}

// Sweep drops entries older than the retention window and returns how many
// were removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, until := range l.entries {
		if !now.Before(until) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

package digest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fxalert/internal/eventbus"
	"fxalert/internal/metrics"
	"fxalert/internal/prefs"
	"fxalert/internal/task/scheduler"
	logx "fxalert/pkg/logx"
)

// JobScheduler is the part of the task scheduler the reconciler drives.
type JobScheduler interface {
	AddCronOpt(name, spec string, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

// UserLister supplies the users with digests enabled.
type UserLister interface {
	ListDigestUsers(ctx context.Context) ([]prefs.Preference, error)
}

// FireFunc runs the digest for one slot.
type FireFunc func(ctx context.Context, slot prefs.Slot) error

const jobPrefix = "digest.slot."

// JobName is the scheduler name for slot.
func JobName(slot prefs.Slot) string { return jobPrefix + slot.String() }

// DesiredSlots maps preferences to the slots that need a job. Users with
// digests off or an unknown timezone contribute nothing.
func DesiredSlots(ps []prefs.Preference) map[prefs.Slot]struct{} {
	out := make(map[prefs.Slot]struct{})
	for _, p := range ps {
		if !p.DigestEnabled {
			continue
		}
		slot := p.Slot()
		if slot.Timezone == "" {
			continue
		}
		if _, err := time.LoadLocation(slot.Timezone); err != nil {
			continue
		}
		if slot.Hour < 0 || slot.Hour > 23 || slot.Minute < 0 || slot.Minute > 59 {
			continue
		}
		out[slot] = struct{}{}
	}
	return out
}

// JobsEvent is published after every reconciliation that changed the table.
type JobsEvent struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Live    int      `json:"live"`
}

// Reconciler owns the slot -> job table. All mutations happen under one lock
// held for the whole load-diff-apply sequence.
type Reconciler struct {
	mu   sync.Mutex
	jobs map[prefs.Slot]string
	off  bool

	users   UserLister
	sched   JobScheduler
	fire    FireFunc
	timeout time.Duration

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	kick chan struct{}
}

type ReconcilerOption func(*Reconciler)

func WithLogger(log logx.Logger) ReconcilerOption { return func(r *Reconciler) { r.log = log } }
func WithBus(bus eventbus.Bus) ReconcilerOption   { return func(r *Reconciler) { r.bus = bus } }
func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithFireTimeout bounds one slot run.
func WithFireTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

func NewReconciler(users UserLister, sched JobScheduler, fire FireFunc, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		jobs:    map[prefs.Slot]string{},
		users:   users,
		sched:   sched,
		fire:    fire,
		timeout: 5 * time.Minute,
		log:     logx.Nop(),
		kick:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Reconcile brings the job table in line with current preferences. On a
// store error the table is left as it was and the error is returned.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.off {
		return nil
	}

	ps, err := r.users.ListDigestUsers(ctx)
	if err != nil {
		r.log.Warn("digest reconcile skipped, keeping current jobs",
			logx.Int("live", len(r.jobs)), logx.Err(err))
		return fmt.Errorf("list digest users: %w", err)
	}
	desired := DesiredSlots(ps)

	var added, removed []string
	for slot, name := range r.jobs {
		if _, ok := desired[slot]; ok {
			continue
		}
		r.sched.Remove(name)
		delete(r.jobs, slot)
		removed = append(removed, slot.String())
	}
	for slot := range desired {
		if _, ok := r.jobs[slot]; ok {
			continue
		}
		name, err := r.addJobLocked(slot)
		if err != nil {
			r.log.Error("digest job add failed", logx.String("slot", slot.String()), logx.Err(err))
			continue
		}
		r.jobs[slot] = name
		added = append(added, slot.String())
	}

	r.reportLocked(added, removed)
	return nil
}

// SetEnabled switches digests on or off. Turning them off removes every slot
// job and makes Reconcile a no-op until they are switched back on; the caller
// then asks for a reconciliation to rebuild the table.
func (r *Reconciler) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.off = !on
	if !on {
		r.clearLocked()
	}
}

// Clear removes every slot job.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Reconciler) clearLocked() {
	var removed []string
	for slot, name := range r.jobs {
		r.sched.Remove(name)
		delete(r.jobs, slot)
		removed = append(removed, slot.String())
	}
	r.reportLocked(nil, removed)
}

func (r *Reconciler) reportLocked(added, removed []string) {
	r.metrics.DigestJobs(len(r.jobs))
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	sort.Strings(added)
	sort.Strings(removed)
	r.log.Info("digest jobs reconciled",
		logx.Strings("added", added), logx.Strings("removed", removed), logx.Int("live", len(r.jobs)))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicDigestJobs, Data: JobsEvent{Added: added, Removed: removed, Live: len(r.jobs)}})
	}
}

func (r *Reconciler) addJobLocked(slot prefs.Slot) (string, error) {
	spec, err := scheduler.DailySpec(slot.Hour, slot.Minute, slot.Timezone)
	if err != nil {
		return "", err
	}
	fire := r.fire
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}
	return r.sched.AddCronOpt(JobName(slot), spec, r.timeout, opt, func(ctx context.Context) error {
		return fire(ctx, slot)
	})
}

// Notify asks the loop started by Loop for a reconciliation. It never blocks;
// signals arriving while one is pending are merged.
func (r *Reconciler) Notify() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Loop serves Notify signals until ctx is done.
func (r *Reconciler) Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.log.Debug("notify reconcile failed", logx.Err(err))
			}
		}
	}
}

// Slots lists the live slots in a stable order.
func (r *Reconciler) Slots() []prefs.Slot {
	r.mu.Lock()
	out := make([]prefs.Slot, 0, len(r.jobs))
	for s := range r.jobs {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Package engine executes scheduled jobs (dispatch ticks, digest slots,
// ledger sweeps) on a fixed worker pool fed by a bounded queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fxalert/internal/eventbus"
	"fxalert/internal/metrics"
	rtsup "fxalert/internal/runtime/supervisor"
	logx "fxalert/pkg/logx"
)

const dropWarnEvery = 10 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	run *pool // nil while stopped

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	states sync.Map // name -> *RunState

	seq          atomic.Uint64
	inFlight     atomic.Int32
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64
	lastDropWarn atomic.Int64
}

// pool is one started generation of workers.
type pool struct {
	queue chan queued
	stop  chan struct{}
	sup   *rtsup.Supervisor
}

type queued struct {
	task    Task
	at      time.Time
	timeout time.Duration
	opt     TaskOptions
	state   *RunState // nil when overlap is allowed
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running pool is rebuilt when its size changed;
// queued runs of the old pool are dropped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.run != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.run != nil {
		return
	}
	p := &pool{
		queue: make(chan queued, s.cfg.QueueSize),
		stop:  make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	for i := 0; i < s.cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p)
			if c.Err() != nil {
				return c.Err()
			}
			return context.Canceled
		}, rtsup.WithPublishFirstError(true))
	}
	s.run = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop closes the pool to new runs and waits for in-flight ones until ctx
// ends. A run still going at that point keeps its own timeout.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	s.run = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	close(p.stop)
	p.sup.Cancel()
	if err := p.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue hands a run to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task name required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("%s#%d", t.Name, s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.run
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if p == nil {
		return ErrStopped
	}

	q := queued{task: t, at: now, timeout: t.Timeout, opt: t.Opt.resolve(cfg)}
	if q.timeout <= 0 {
		q.timeout = cfg.DefaultTimeout
	}
	if q.opt.Overlap == OverlapSkipIfRunning {
		q.state = t.State
		if q.state == nil {
			v, _ := s.states.LoadOrStore(t.Name, &RunState{})
			q.state = v.(*RunState)
		}
		if !q.state.acquire() {
			s.metrics.TaskRun(t.Name, "skipped")
			s.publish(eventbus.TopicTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name})
			return ErrOverlapSkip
		}
	}

	select {
	case p.queue <- q:
		return nil
	default:
	}
	if q.state != nil {
		q.state.release()
	}
	s.droppedFull.Add(1)
	s.dropped(t, 0, "queue_full")
	return ErrQueueFull
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	cfg, p := s.cfg, s.run
	s.mu.Unlock()
	st := Stats{
		Enabled:      cfg.Enabled,
		Running:      p != nil,
		Workers:      cfg.Workers,
		InFlight:     int(s.inFlight.Load()),
		DroppedFull:  s.droppedFull.Load(),
		DroppedStale: s.droppedStale.Load(),
	}
	if p != nil {
		st.QueueLen, st.QueueCap = len(p.queue), cap(p.queue)
	}
	return st
}

func (s *Service) publish(topic string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}

func (s *Service) dropped(t Task, waited time.Duration, reason string) {
	s.metrics.TaskRun(t.Name, "dropped")
	s.publish(eventbus.TopicTaskDropped, TaskEvent{ID: t.ID, Name: t.Name, QueueDelay: waited, Error: reason})

	now := time.Now().UnixNano()
	last := s.lastDropWarn.Load()
	if last != 0 && time.Duration(now-last) < dropWarnEvery {
		return
	}
	if s.lastDropWarn.CompareAndSwap(last, now) {
		s.log.Warn("task run dropped",
			logx.String("task", t.Name),
			logx.String("reason", reason),
			logx.Duration("waited", waited),
			logx.Uint64("dropped_full", s.droppedFull.Load()),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}

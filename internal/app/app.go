package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"fxalert/internal/chart"
	"fxalert/internal/config"
	"fxalert/internal/digest"
	"fxalert/internal/dispatch"
	"fxalert/internal/eventbus"
	"fxalert/internal/ledger"
	"fxalert/internal/metrics"
	"fxalert/internal/notifier"
	"fxalert/internal/observability/ops"
	"fxalert/internal/prefs"
	"fxalert/internal/runtime/supervisor"
	"fxalert/internal/storage"
	"fxalert/internal/task/engine"
	"fxalert/internal/task/scheduler"
	telegram "fxalert/internal/transport/telegram/adapter"
	logx "fxalert/pkg/logx"
)

// Schedule names owned by the app. Per-user digest slots are named by
// digest.JobName.
const (
	jobDispatch      = "dispatch.tick"
	jobLedgerSweep   = "ledger.sweep"
	jobDigestRefresh = "digest.reconcile"
	jobChannelDigest = "digest.channel"
)

const restartNeededNote = "restart required for changes to take effect"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics

	store storage.Store
	dedup storage.DedupStore
	led   *ledger.Ledger

	adapter  *telegram.Adapter
	notif    *notifier.Service
	charts   *chart.Throttle
	cycle    *dispatch.Cycle
	compiler *digest.Compiler
	rec      *digest.Reconciler

	engine *engine.Service
	sched  *scheduler.Service
	ops    *ops.Service

	// lastTick is the unix nano of the last dispatch tick that reached the
	// delivery phase.
	lastTick atomic.Int64
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The ops log sink needs the notifier, which needs the adapter, which
	// needs a logger: start without a sink and attach it below.
	logSvc, log := logx.NewService(mapLogConfig(cfg), nil)
	m := metrics.New()
	bus := eventbus.New()
	m.WatchBusDrops(bus.Dropped)

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	notif := notifier.New(mapNotifierConfig(cfg), ad, log.With(logx.String("comp", "notifier")), bus, m)
	logSvc.SetAlertSender(notif)

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	dedup, err := storage.OpenDedup(ctx, sc, store, log.With(logx.String("comp", "storage.dedup")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ledgerOpts := []ledger.Option{ledger.WithLogger(log.With(logx.String("comp", "ledger")))}
	if dedup != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithPersister(dedup))
	}
	led := ledger.New(cfg.Ledger.RetentionOrDefault(), ledgerOpts...)

	var renderer chart.Renderer
	if ep := strings.TrimSpace(cfg.Chart.Endpoint); ep != "" {
		renderer = chart.NewHTTPRenderer(ep, cfg.Chart.TimeoutOrDefault())
	}
	charts := chart.NewThrottle(mapChartConfig(cfg), renderer, log.With(logx.String("comp", "chart")), m)

	cycle := dispatch.New(mapDispatchConfig(cfg), store, store, led, notif,
		dispatch.WithCharts(charts),
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
		dispatch.WithMetrics(m),
	)

	engineSvc := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "taskengine")), bus, engine.WithMetrics(m))
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	compiler := digest.NewCompiler(mapCompilerConfig(cfg), store, store, notif, log.With(logx.String("comp", "digest")), bus, m)
	rec := digest.NewReconciler(store, schedSvc,
		func(ctx context.Context, slot prefs.Slot) error {
			_, err := compiler.Fire(ctx, slot)
			return err
		},
		digest.WithLogger(log.With(logx.String("comp", "digest.reconcile"))),
		digest.WithBus(bus),
		digest.WithMetrics(m),
		digest.WithFireTimeout(cfg.Digest.FireTimeoutOrDefault()),
	)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		metrics:  m,
		store:    store,
		dedup:    dedup,
		led:      led,
		adapter:  ad,
		notif:    notif,
		charts:   charts,
		cycle:    cycle,
		compiler: compiler,
		rec:      rec,
		engine:   engineSvc,
		sched:    schedSvc,
	}

	a.ops = ops.New(mapOpsConfig(cfg), m.Registry(), log.With(logx.String("comp", "ops")))
	a.ops.AddCheck("store", store.Ping)
	a.ops.AddCheck("dispatch", a.checkDispatch)
	a.ops.AddCheck("taskengine", a.checkEngine)

	cmds := &commands{store: store, rec: rec, bus: bus, log: log.With(logx.String("comp", "commands"))}
	ad.Handle("start", cmds.start)
	ad.Handle("settings", cmds.settings)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Channel.Enabled {
			if _, err := cfg.Channel.DigestSpec(); err != nil {
				return fmt.Errorf("channel.digest_time: %w", err)
			}
		}
		return nil
	})
	cfg := a.cfgm.Get()
	if !cfg.Scheduler.Enabled {
		a.log.Warn("scheduler disabled: no alerts or digests will be sent")
	}

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.ops.Reconfigure(a.sup.Context(), mapOpsConfig(cfg))

	a.rec.SetEnabled(cfg.Digest.Enabled)
	if cfg.Digest.Enabled {
		// First reconcile before the periodic one so slots exist right after boot.
		if err := a.rec.Reconcile(a.sup.Context()); err != nil {
			a.log.Warn("initial digest reconcile failed", logx.Err(err))
		}
	}
	a.sup.Go0("digest.reconcile.loop", a.rec.Loop)

	a.startBusLog()
	a.startReloadLoop()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Duration("poll", a.cycle.Config().PollInterval),
		logx.Duration("tolerance", a.cycle.Config().EffectiveTolerance()),
		logx.Duration("retention", a.led.Retention()),
	)
	return nil
}

// registerJobs upserts the fixed schedules for cfg. Disabled features have
// their schedule removed.
func (a *App) registerJobs(cfg *config.Config) error {
	noRetry := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}

	if cfg.Dispatch.Enabled {
		poll := cfg.Dispatch.PollIntervalOrDefault()
		if _, err := a.sched.AddIntervalOpt(jobDispatch, poll, poll, noRetry, a.runDispatch); err != nil {
			return fmt.Errorf("schedule %s: %w", jobDispatch, err)
		}
	} else {
		a.sched.Remove(jobDispatch)
	}

	if _, err := a.sched.AddIntervalOpt(jobLedgerSweep, cfg.Ledger.SweepEveryOrDefault(), 30*time.Second, noRetry, a.sweepLedger); err != nil {
		return fmt.Errorf("schedule %s: %w", jobLedgerSweep, err)
	}

	if cfg.Digest.Enabled {
		if _, err := a.sched.AddIntervalOpt(jobDigestRefresh, cfg.Digest.ReconcileEveryOrDefault(), time.Minute, noRetry, a.rec.Reconcile); err != nil {
			return fmt.Errorf("schedule %s: %w", jobDigestRefresh, err)
		}
	} else {
		a.sched.Remove(jobDigestRefresh)
	}

	if cfg.Channel.Enabled && cfg.Channel.ChatID != 0 {
		spec, err := cfg.Channel.DigestSpec()
		if err != nil {
			return fmt.Errorf("channel digest: %w", err)
		}
		if _, err := a.sched.AddCronOpt(jobChannelDigest, spec, cfg.Digest.FireTimeoutOrDefault(), noRetry, a.compiler.FireChannel); err != nil {
			return fmt.Errorf("schedule %s: %w", jobChannelDigest, err)
		}
	} else {
		a.sched.Remove(jobChannelDigest)
	}
	return nil
}

func (a *App) runDispatch(ctx context.Context) error {
	if err := a.cycle.Run(ctx); err != nil {
		return err
	}
	a.lastTick.Store(time.Now().UnixNano())
	return nil
}

func (a *App) sweepLedger(ctx context.Context) error {
	now := time.Now()
	swept := a.led.Sweep(now)
	if a.dedup != nil {
		pruned, err := a.dedup.PruneDedup(ctx, now)
		if err != nil {
			a.log.Warn("dedup prune failed", logx.Err(err))
		} else if pruned > 0 {
			a.log.Debug("dedup pruned", logx.Int("count", pruned))
		}
	}
	a.metrics.Ledger(a.led.Len(), swept)
	return nil
}

var (
	errDispatchStale = errors.New("no successful dispatch tick recently")
	errEngineStopped = errors.New("task engine enabled but not running")
	errEngineFull    = errors.New("task queue full")
)

func (a *App) checkEngine(context.Context) error {
	st := a.engine.Stats()
	switch {
	case !st.Enabled:
		return nil
	case !st.Running:
		return errEngineStopped
	case st.QueueCap > 0 && st.QueueLen >= st.QueueCap:
		return fmt.Errorf("%w (%d queued, %d running)", errEngineFull, st.QueueLen, st.InFlight)
	}
	return nil
}

// checkDispatch fails when dispatch is enabled but no tick has completed for
// three poll intervals.
func (a *App) checkDispatch(context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Dispatch.Enabled || !cfg.Scheduler.Enabled {
		return nil
	}
	last := a.lastTick.Load()
	if last == 0 {
		return nil
	}
	if age := time.Since(time.Unix(0, last)); age > 3*cfg.Dispatch.PollIntervalOrDefault() {
		return fmt.Errorf("%w (last %s ago)", errDispatchStale, age.Truncate(time.Second))
	}
	return nil
}

// startBusLog mirrors bus events into debug logs.
func (a *App) startBusLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig pushes a validated reload into every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"storage", "telegram", "calendar"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s+" config changed; "+restartNeededNote, logx.String("section", s))
		}
	}
	if slices.Contains(sections, "channel") && !prev.Channel.Enabled && next.Channel.Enabled {
		a.log.Warn("channel digest target changed; "+restartNeededNote)
	}

	a.logs.Apply(mapLogConfig(next))
	a.notif.Apply(mapNotifierConfig(next))
	a.charts.Apply(mapChartConfig(next))
	a.cycle.Apply(mapDispatchConfig(next))

	prevEng, prevSched := a.engine.Enabled(), a.sched.Enabled()
	engCfg := mapEngineConfig(next)
	a.engine.Apply(ctx, engCfg)
	a.sched.Apply(mapSchedulerConfig(next))
	if err := a.registerJobs(next); err != nil {
		a.log.Warn("schedule update failed; keeping previous", logx.Err(err))
	}

	// Engine first on startup, scheduler first on shutdown.
	if prevSched && !next.Scheduler.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !engCfg.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && engCfg.Enabled {
		a.engine.Start(ctx)
	}
	if !prevSched && next.Scheduler.Enabled {
		a.sched.Start(ctx)
	}

	a.applyDigestToggle(prev.Digest.Enabled, next.Digest.Enabled)
	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyDigestToggle drops every slot job when digests are switched off and
// asks the reconcile loop to rebuild them when switched back on.
func (a *App) applyDigestToggle(was, now bool) {
	switch {
	case was && !now:
		a.rec.SetEnabled(false)
		a.log.Info("digests disabled, slot jobs removed")
	case !was && now:
		a.rec.SetEnabled(true)
		a.rec.Notify()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("dedup", time.Second, func(context.Context) error {
		if a.dedup == nil {
			return nil
		}
		return a.dedup.Close()
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

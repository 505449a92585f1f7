package app

import (
	"time"

	"fxalert/internal/calendar"
	"fxalert/internal/chart"
	"fxalert/internal/config"
	"fxalert/internal/digest"
	"fxalert/internal/dispatch"
	"fxalert/internal/notifier"
	"fxalert/internal/observability/ops"
	"fxalert/internal/storage"
	"fxalert/internal/task/engine"
	"fxalert/internal/task/scheduler"
	logx "fxalert/pkg/logx"
)

// The mappers below translate the file config into component configs. They
// assume config.Validate already passed.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled && cfg.Telegram.OpsChatID != 0,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.DriverOrDefault(),
		DSN:         cfg.Storage.DSNOrDefault(),
		BusyTimeout: durOrZero(cfg.Storage.BusyTimeout),
		Dedup: storage.DedupConfig{
			Driver:   cfg.Storage.Dedup.DriverOrDefault(),
			Path:     cfg.Storage.Dedup.Path,
			RedisURL: cfg.Storage.Dedup.RedisURL,
			Prefix:   cfg.Storage.Dedup.Prefix,
		},
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	out := engine.Config{
		Enabled:        cfg.TaskEngineEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: durOrZero(te.DefaultTimeout),
		MaxQueueDelay:  durOrZero(te.MaxQueueDelay),
		RetryMax:       te.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		RatePerSec:    cfg.Notifier.RatePerSecOrDefault(),
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     cfg.Notifier.RetryBaseOrDefault(),
		RetryMaxDelay: cfg.Notifier.RetryMaxDelayOrDefault(),
		ParseMode:     cfg.Notifier.ParseModeOrDefault(),
		OpsChatID:     cfg.Telegram.OpsChatID,
	}
}

func mapChartConfig(cfg *config.Config) chart.Config {
	return chart.Config{
		Enabled:        cfg.Chart.Enabled,
		Window:         cfg.Chart.WindowOrDefault(),
		Cap:            cfg.Chart.CapOrDefault(),
		TargetCooldown: cfg.Chart.TargetCooldownOrDefault(),
		Timeout:        cfg.Chart.TimeoutOrDefault(),
	}
}

func impactSet(names []string) calendar.ImpactSet {
	// Names were checked by the validator; unknown ones are dropped.
	var s calendar.ImpactSet
	for _, n := range names {
		if i, err := calendar.ParseImpact(n); err == nil {
			s = s.With(i)
		}
	}
	return s
}

func channelLocation(cfg *config.Config) *time.Location {
	loc, err := time.LoadLocation(cfg.Channel.TimezoneOrDefault())
	if err != nil {
		return cfg.Calendar.Location()
	}
	return loc
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		PollInterval:    cfg.Dispatch.PollIntervalOrDefault(),
		Tolerance:       cfg.Dispatch.ToleranceOverride(),
		Epsilon:         cfg.Dispatch.EpsilonOrDefault(),
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeoutOrDefault(),
		Workers:         cfg.Dispatch.WorkersOrDefault(),
		Location:        cfg.Calendar.Location(),
		Channel: dispatch.ChannelConfig{
			Enabled:  cfg.Channel.Enabled && cfg.Channel.ChatID != 0,
			ChatID:   cfg.Channel.ChatID,
			Lead:     time.Duration(cfg.Channel.AlertLeadOrDefault()) * time.Minute,
			Impacts:  impactSet(cfg.Channel.AlertImpactsOrDefault()),
			Location: channelLocation(cfg),
			Charts:   cfg.Chart.Enabled,
		},
	}
}

func mapCompilerConfig(cfg *config.Config) digest.CompilerConfig {
	return digest.CompilerConfig{
		SourceLocation:  cfg.Calendar.Location(),
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeoutOrDefault(),
		Channel: digest.ChannelConfig{
			Enabled:    cfg.Channel.Enabled && cfg.Channel.ChatID != 0,
			ChatID:     cfg.Channel.ChatID,
			Impacts:    impactSet(cfg.Channel.DigestImpactsOrDefault()),
			Currencies: cfg.Channel.DigestCurrencies,
			Location:   channelLocation(cfg),
		},
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.AddrOrDefault(),
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   durOrZero(cfg.Ops.ReadTimeout),
		WriteTimeout:  durOrZero(cfg.Ops.WriteTimeout),
		IdleTimeout:   durOrZero(cfg.Ops.IdleTimeout),
	}
}

func durOrZero(raw string) time.Duration {
	d, err := config.ParseDuration("", raw)
	if err != nil {
		return 0
	}
	return d
}

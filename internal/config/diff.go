package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fxalert/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections plus safe
// attributes for a single reload log line. Secrets (tokens, DSNs, redis URLs)
// are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.BusyTimeout != nS.BusyTimeout || oS.DSN != nS.DSN ||
		oS.Dedup.Driver != nS.Dedup.Driver || oS.Dedup.Path != nS.Dedup.Path || oS.Dedup.RedisURL != nS.Dedup.RedisURL {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.DriverOrDefault()),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
			logx.String("storage.dedup", nS.Dedup.DriverOrDefault()),
		)
	}

	if oldCfg.Calendar != newCfg.Calendar {
		changed = append(changed, "calendar")
		attrs = append(attrs, logx.String("calendar.timezone", newCfg.Calendar.Timezone))
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.Duration("ledger.retention", newCfg.Ledger.RetentionOrDefault()),
			logx.Duration("ledger.sweep_every", newCfg.Ledger.SweepEveryOrDefault()),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.Duration("dispatch.poll_interval", newCfg.Dispatch.PollIntervalOrDefault()),
			logx.Duration("dispatch.delivery_timeout", newCfg.Dispatch.DeliveryTimeoutOrDefault()),
			logx.Int("dispatch.workers", newCfg.Dispatch.WorkersOrDefault()),
		)
	}

	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs,
			logx.Bool("digest.enabled", newCfg.Digest.Enabled),
			logx.Duration("digest.reconcile_every", newCfg.Digest.ReconcileEveryOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channel, newCfg.Channel) {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.Bool("channel.enabled", newCfg.Channel.Enabled),
			logx.Int("channel.alert_lead", newCfg.Channel.AlertLeadOrDefault()),
			logx.String("channel.timezone", newCfg.Channel.TimezoneOrDefault()),
		)
	}

	if oldCfg.Chart != newCfg.Chart {
		changed = append(changed, "chart")
		attrs = append(attrs,
			logx.Bool("chart.enabled", newCfg.Chart.Enabled),
			logx.Int("chart.cap", newCfg.Chart.CapOrDefault()),
			logx.Duration("chart.window", newCfg.Chart.WindowOrDefault()),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.TaskEngineEnabled()),
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSecOrDefault()),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.AddrOrDefault()),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

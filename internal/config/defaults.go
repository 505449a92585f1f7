package config

import (
	"strings"
	"time"

	"fxalert/internal/task/scheduler"
)

// Accessors below assume Validate passed; a malformed value falls back to the
// default instead of failing.

func dur(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(path, raw)
	if err != nil || d == 0 {
		return def
	}
	return d
}

func (c TelegramConfig) PollTimeoutOrDefault() time.Duration {
	return dur("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
}

func (c StorageConfig) DriverOrDefault() string {
	if d := strings.TrimSpace(c.Driver); d != "" {
		return d
	}
	return "sqlite"
}

func (c StorageConfig) DSNOrDefault() string {
	if d := strings.TrimSpace(c.DSN); d != "" {
		return d
	}
	if c.DriverOrDefault() == "sqlite" {
		return "./fxalert.db"
	}
	return ""
}

func (c DedupConfig) DriverOrDefault() string {
	if d := strings.TrimSpace(c.Driver); d != "" {
		return d
	}
	return "store"
}

func (c CalendarConfig) Location() *time.Location {
	return loadLocation(c.Timezone, time.UTC)
}

func (c LedgerConfig) RetentionOrDefault() time.Duration {
	return dur("ledger.retention", c.Retention, 24*time.Hour)
}

func (c LedgerConfig) SweepEveryOrDefault() time.Duration {
	return dur("ledger.sweep_every", c.SweepEvery, 10*time.Minute)
}

func (c DispatchConfig) PollIntervalOrDefault() time.Duration {
	return dur("dispatch.poll_interval", c.PollInterval, 2*time.Minute)
}

// ToleranceOverride is the explicit dispatch.tolerance, or 0 when the
// tolerance should be derived from the poll interval.
func (c DispatchConfig) ToleranceOverride() time.Duration {
	return dur("dispatch.tolerance", c.Tolerance, 0)
}

func (c DispatchConfig) EpsilonOrDefault() time.Duration {
	return dur("dispatch.epsilon", c.Epsilon, 90*time.Second)
}

func (c DispatchConfig) DeliveryTimeoutOrDefault() time.Duration {
	return dur("dispatch.delivery_timeout", c.DeliveryTimeout, 15*time.Second)
}

func (c DispatchConfig) WorkersOrDefault() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 8
}

func (c DigestConfig) ReconcileEveryOrDefault() time.Duration {
	return dur("digest.reconcile_every", c.ReconcileEvery, 5*time.Minute)
}

func (c DigestConfig) FireTimeoutOrDefault() time.Duration {
	return dur("digest.fire_timeout", c.FireTimeout, 5*time.Minute)
}

func (c ChannelConfig) AlertLeadOrDefault() int {
	if c.AlertLead > 0 {
		return c.AlertLead
	}
	return 30
}

func (c ChannelConfig) AlertImpactsOrDefault() []string {
	if len(c.AlertImpacts) > 0 {
		return c.AlertImpacts
	}
	return []string{"high"}
}

func (c ChannelConfig) DigestImpactsOrDefault() []string {
	if len(c.DigestImpacts) > 0 {
		return c.DigestImpacts
	}
	return []string{"high", "medium"}
}

func (c ChannelConfig) TimezoneOrDefault() string {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		return tz
	}
	return "Europe/Prague"
}

// DigestClock returns the channel digest hour and minute (default 07:00).
func (c ChannelConfig) DigestClock() (int, int) {
	if strings.TrimSpace(c.DigestTime) == "" {
		return 7, 0
	}
	h, m, err := ParseClock(c.DigestTime)
	if err != nil {
		return 7, 0
	}
	return h, m
}

func (c ChannelConfig) DigestSpec() (string, error) {
	h, m := c.DigestClock()
	return scheduler.DailySpec(h, m, c.TimezoneOrDefault())
}

func (c ChartConfig) WindowOrDefault() time.Duration {
	return dur("chart.window", c.Window, time.Minute)
}

func (c ChartConfig) CapOrDefault() int {
	if c.Cap > 0 {
		return c.Cap
	}
	return 5
}

func (c ChartConfig) TargetCooldownOrDefault() time.Duration {
	return dur("chart.target_cooldown", c.TargetCooldown, 5*time.Minute)
}

func (c ChartConfig) TimeoutOrDefault() time.Duration {
	return dur("chart.timeout", c.Timeout, 20*time.Second)
}

func (c NotifierConfig) RatePerSecOrDefault() int {
	if c.RatePerSec > 0 {
		return c.RatePerSec
	}
	return 25
}

func (c NotifierConfig) RetryBaseOrDefault() time.Duration {
	return dur("notifier.retry_base", c.RetryBase, 500*time.Millisecond)
}

func (c NotifierConfig) RetryMaxDelayOrDefault() time.Duration {
	return dur("notifier.retry_max_delay", c.RetryMaxDelay, 5*time.Second)
}

func (c NotifierConfig) ParseModeOrDefault() string {
	if pm := strings.TrimSpace(c.ParseMode); pm != "" {
		return pm
	}
	return "HTML"
}

// TaskEngineEnabled follows scheduler.enabled unless set explicitly.
func (c *Config) TaskEngineEnabled() bool {
	if c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

func (c OpsConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return "127.0.0.1:9090"
}

func loadLocation(tz string, def *time.Location) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return def
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return def
	}
	return loc
}

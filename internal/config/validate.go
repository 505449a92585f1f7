package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, duration strings, timezones and the few
// cross-field rules the tags cannot express. All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"telegram.poll_timeout":       cfg.Telegram.PollTimeout,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"ledger.retention":            cfg.Ledger.Retention,
		"ledger.sweep_every":          cfg.Ledger.SweepEvery,
		"dispatch.poll_interval":      cfg.Dispatch.PollInterval,
		"dispatch.tolerance":          cfg.Dispatch.Tolerance,
		"dispatch.epsilon":            cfg.Dispatch.Epsilon,
		"dispatch.delivery_timeout":   cfg.Dispatch.DeliveryTimeout,
		"digest.reconcile_every":      cfg.Digest.ReconcileEvery,
		"digest.fire_timeout":         cfg.Digest.FireTimeout,
		"chart.window":                cfg.Chart.Window,
		"chart.target_cooldown":       cfg.Chart.TargetCooldown,
		"chart.timeout":               cfg.Chart.Timeout,
		"task_engine.default_timeout": cfg.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": cfg.TaskEngine.MaxQueueDelay,
		"notifier.retry_base":         cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":    cfg.Notifier.RetryMaxDelay,
		"ops.read_timeout":            cfg.Ops.ReadTimeout,
		"ops.write_timeout":           cfg.Ops.WriteTimeout,
		"ops.idle_timeout":            cfg.Ops.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for path, tz := range map[string]string{
		"calendar.timezone":  cfg.Calendar.Timezone,
		"channel.timezone":   cfg.Channel.Timezone,
		"scheduler.timezone": cfg.Scheduler.Timezone,
	} {
		if strings.TrimSpace(tz) == "" {
			continue
		}
		if _, err := time.LoadLocation(strings.TrimSpace(tz)); err != nil {
			errs = append(errs, fmt.Errorf("%s: unknown timezone %q", path, tz))
		}
	}

	if strings.TrimSpace(cfg.Channel.DigestTime) != "" {
		if _, _, err := ParseClock(cfg.Channel.DigestTime); err != nil {
			errs = append(errs, fmt.Errorf("channel.digest_time: %w", err))
		}
	}
	if cfg.Channel.Enabled && cfg.Channel.ChatID == 0 {
		errs = append(errs, errors.New("channel.chat_id: required when channel.enabled"))
	}
	if cfg.Chart.Enabled && strings.TrimSpace(cfg.Chart.Endpoint) == "" {
		errs = append(errs, errors.New("chart.endpoint: required when chart.enabled"))
	}
	if cfg.Storage.DriverOrDefault() == "postgres" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn: required for postgres"))
	}
	switch cfg.Storage.Dedup.DriverOrDefault() {
	case "redis":
		if strings.TrimSpace(cfg.Storage.Dedup.RedisURL) == "" {
			errs = append(errs, errors.New("storage.dedup.redis_url: required for redis dedup"))
		}
	case "file":
		if strings.TrimSpace(cfg.Storage.Dedup.Path) == "" {
			errs = append(errs, errors.New("storage.dedup.path: required for file dedup"))
		}
	}
	if err := validateOps(cfg.Ops); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateOps(o OpsConfig) error {
	if !o.Enabled || o.AllowInsecure || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	host, _, err := net.SplitHostPort(o.AddrOrDefault())
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", o.AddrOrDefault())
}

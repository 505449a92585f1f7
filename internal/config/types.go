package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("2m", "15s"); empty means the component default.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Calendar   CalendarConfig   `json:"calendar"`
	Ledger     LedgerConfig     `json:"ledger"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Digest     DigestConfig     `json:"digest"`
	Channel    ChannelConfig    `json:"channel"`
	Chart      ChartConfig      `json:"chart"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Notifier   NotifierConfig   `json:"notifier"`
	Ops        OpsConfig        `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through FXALERT_TELEGRAM_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	// OpsChatID receives WARN+ log lines when logging.ops is enabled.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the calendar/preference store and, separately, where
// the dedup ledger persists its fingerprints.
//
//	"storage": { "driver": "sqlite", "dsn": "./fxalert.db", "dedup": { "driver": "store" } }
type StorageConfig struct {
	Driver      string      `json:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN         string      `json:"dsn"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Dedup       DedupConfig `json:"dedup"`
}

// DedupConfig driver values:
//   - "store": same database as storage.driver (default)
//   - "file": journal + snapshot under Path
//   - "redis": keys with TTL at RedisURL
//   - "none": in-memory only
type DedupConfig struct {
	Driver   string `json:"driver" validate:"omitempty,oneof=store file redis none"`
	Path     string `json:"path,omitempty"`
	RedisURL string `json:"redis_url,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type CalendarConfig struct {
	// Timezone the event source publishes dates and times in.
	Timezone string `json:"timezone"`
}

type LedgerConfig struct {
	Retention  string `json:"retention"`
	SweepEvery string `json:"sweep_every"`
}

type DispatchConfig struct {
	Enabled         bool   `json:"enabled"`
	PollInterval    string `json:"poll_interval"`
	Tolerance       string `json:"tolerance,omitempty"`
	Epsilon         string `json:"epsilon,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout"`
	Workers         int    `json:"workers" validate:"gte=0,lte=256"`
}

type DigestConfig struct {
	Enabled        bool   `json:"enabled"`
	ReconcileEvery string `json:"reconcile_every"`
	FireTimeout    string `json:"fire_timeout"`
}

// ChannelConfig drives the broadcast alerts and the fixed-time channel digest.
type ChannelConfig struct {
	Enabled          bool     `json:"enabled"`
	ChatID           int64    `json:"chat_id"`
	AlertLead        int      `json:"alert_lead_minutes" validate:"gte=0,lte=1440"`
	AlertImpacts     []string `json:"alert_impacts" validate:"dive,oneof=high medium low tentative none"`
	DigestTime       string   `json:"digest_time"`
	Timezone         string   `json:"timezone"`
	DigestImpacts    []string `json:"digest_impacts" validate:"dive,oneof=high medium low tentative none"`
	DigestCurrencies []string `json:"digest_currencies" validate:"dive,len=3"`
}

type ChartConfig struct {
	Enabled        bool   `json:"enabled"`
	Endpoint       string `json:"endpoint" validate:"omitempty,url"`
	Window         string `json:"window"`
	Cap            int    `json:"cap" validate:"gte=0"`
	TargetCooldown string `json:"target_cooldown"`
	Timeout        string `json:"timeout"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
}

// TaskEngineConfig controls execution of scheduled jobs.
//
// Enabled is a pointer so an omitted value follows scheduler.enabled.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls outbound delivery pacing and retries.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax      int    `json:"retry_max" validate:"gte=0,lte=10"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	ParseMode     string `json:"parse_mode" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`
}

// OpsConfig controls the operator HTTP server (/metrics, /healthz, pprof).
//
// Prefer a loopback address. A non-loopback bind needs a token or an explicit
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

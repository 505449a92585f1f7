package config

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "fxalert/pkg/logx"
)

const sampleYAML = `
telegram:
  token: file-token
  poll_timeout: 10s
calendar:
  timezone: America/New_York
dispatch:
  enabled: true
  poll_interval: 2m
channel:
  enabled: true
  chat_id: -100123
  digest_time: "07:30"
  digest_impacts: [high, medium]
chart:
  window: 1m
  cap: 3
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.PollIntervalOrDefault())
	assert.Equal(t, "America/New_York", cfg.Calendar.Location().String())
	h, mi := cfg.Channel.DigestClock()
	assert.Equal(t, []int{7, 30}, []int{h, mi})
	assert.Equal(t, 3, cfg.Chart.CapOrDefault())
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"dispatch":{"poll":"2m"}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)

	_, err = Decode("c.yaml", []byte("dispatch: {}\n---\ndispatch: {}\n"))
	require.Error(t, err)
}

func TestDecodeYAMLKeepsClockAndDateStrings(t *testing.T) {
	cfg, err := Decode("c.yml", []byte("channel:\n  digest_time: \"07:00\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "07:00", cfg.Channel.DigestTime)

	assert.Equal(t, "2026-03-02", plainYAML(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	empty, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Channel.DigestTime)
}

func TestDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.PollIntervalOrDefault())
	assert.Equal(t, 90*time.Second, cfg.Dispatch.EpsilonOrDefault())
	assert.Zero(t, cfg.Dispatch.ToleranceOverride())
	assert.Equal(t, 15*time.Second, cfg.Dispatch.DeliveryTimeoutOrDefault())
	assert.Equal(t, 24*time.Hour, cfg.Ledger.RetentionOrDefault())
	assert.Equal(t, 5*time.Minute, cfg.Chart.TargetCooldownOrDefault())
	assert.Equal(t, 30, cfg.Channel.AlertLeadOrDefault())
	assert.Equal(t, []string{"high"}, cfg.Channel.AlertImpactsOrDefault())
	assert.Equal(t, "sqlite", cfg.Storage.DriverOrDefault())
	assert.Equal(t, "store", cfg.Storage.Dedup.DriverOrDefault())
	assert.Equal(t, time.UTC, cfg.Calendar.Location())

	spec, err := cfg.Channel.DigestSpec()
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Europe/Prague 0 7 * * *", spec)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "loud"},
		Dispatch: DispatchConfig{PollInterval: "often"},
		Calendar: CalendarConfig{Timezone: "Nowhere/City"},
		Channel:  ChannelConfig{Enabled: true, DigestTime: "25:00", AlertImpacts: []string{"huge"}},
		Storage:  StorageConfig{Driver: "postgres", Dedup: DedupConfig{Driver: "redis"}},
		Ops:      OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"Logging.Level",
		"dispatch.poll_interval",
		"calendar.timezone",
		"channel.digest_time",
		"channel.chat_id",
		"AlertImpacts",
		"storage.dsn",
		"storage.dedup.redis_url",
		"ops.addr",
	} {
		assert.Contains(t, msg, want)
	}

	require.NoError(t, Validate(&Config{Ops: OpsConfig{Enabled: true}}))
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("FXALERT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("FXALERT_REDIS_URL", "redis://localhost:6379/0")

	cfg := &Config{Telegram: TelegramConfig{Token: "file-token"}, Storage: StorageConfig{DSN: "keep"}}
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.Dedup.RedisURL)
	assert.Equal(t, "keep", cfg.Storage.DSN)
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	p := writeFile(t, ".env", "FXALERT_OPS_TOKEN=from-dotenv\n")
	t.Setenv("FXALERT_OPS_TOKEN", "")
	os.Unsetenv("FXALERT_OPS_TOKEN")
	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "from-dotenv", os.Getenv("FXALERT_OPS_TOKEN"))
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b", PollTimeout: "20s"},
		Dispatch: DispatchConfig{PollInterval: "1m"},
		Ops:      OpsConfig{Token: "secret"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatch", "ops", "telegram"}, changed)

	var buf bytes.Buffer
	logx.New(zerolog.New(&buf)).Info("config reloaded", attrs...)
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"ops.token_set":true`)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("dispatch.epsilon", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDuration("dispatch.epsilon", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDuration("dispatch.epsilon", "-1s")
	assert.ErrorContains(t, err, "dispatch.epsilon: negative")
	_, err = ParseDuration("chart.timeout", "soon")
	assert.ErrorContains(t, err, "chart.timeout:")

	assert.Equal(t, 20*time.Second, ChartConfig{Timeout: "0s"}.TimeoutOrDefault())
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("08:05")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"8", "24:00", "08:5", "aa:bb"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Chart.Cap > 50 {
			return errors.New("cap too high")
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher may not be armed yet: keep rewriting until a publish lands.
	next := strings.Replace(sampleYAML, "cap: 3", "cap: 5", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	var got *Config
	for got == nil {
		require.NoError(t, os.WriteFile(path, []byte(next), 0o600))
		select {
		case got = <-sub:
		case <-tick.C:
		case <-deadline:
			t.Fatal("reload was not published")
		}
	}
	assert.Equal(t, 5, got.Chart.Cap)
	assert.Equal(t, 5, m.Get().Chart.Cap)

	rejected := strings.Replace(sampleYAML, "cap: 3", "cap: 99", 1)
	require.NoError(t, os.WriteFile(path, []byte(rejected), 0o600))
	select {
	case c := <-sub:
		t.Fatalf("rejected config published (cap %d)", c.Chart.Cap)
	case <-time.After(time.Second):
	}
	assert.Equal(t, 5, m.Get().Chart.Cap)
}

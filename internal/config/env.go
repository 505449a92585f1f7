package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment override, e.g. FXALERT_TELEGRAM_TOKEN.
const EnvPrefix = "FXALERT"

// envOverrides holds secrets that should not live in the config file. Empty
// values leave the file value alone.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	RedisURL      string `envconfig:"REDIS_URL"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
	ChartEndpoint string `envconfig:"CHART_ENDPOINT"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays FXALERT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Storage.Dedup.RedisURL, o.RedisURL)
	set(&cfg.Ops.Token, o.OpsToken)
	set(&cfg.Chart.Endpoint, o.ChartEndpoint)
	return nil
}

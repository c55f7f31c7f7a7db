// Package config содержит логику чтения конфигурации сервиса coinledger.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Значения по умолчанию.
const (
	DefaultRunAddress     = "localhost:8080"
	DefaultAuthSecret     = "coinledger-secret"
	DefaultPayoutInterval = time.Hour
	DefaultStoreTimeout   = 5 * time.Second
	DefaultLogLevel       = "info"
)

// Config содержит параметры конфигурации сервиса coinledger.
// Пустой DatabaseURI означает хранилище в памяти, пустой AdminToken отключает административный API.
// Без AllowedOrigins кросс-доменные запросы не разрешаются.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	ReferralServiceAddress string        `env:"REFERRAL_SERVICE_ADDRESS"`
	RedisAddress           string        `env:"REDIS_ADDRESS"`
	AuthSecret             string        `env:"AUTH_SECRET"`
	AdminToken             string        `env:"ADMIN_TOKEN"`
	TiersFile              string        `env:"MEMBERSHIP_TIERS_FILE"`
	PayoutInterval         time.Duration `env:"PAYOUT_INTERVAL"`
	StoreTimeout           time.Duration `env:"STORE_TIMEOUT"`
	AllowSelfMatch         bool          `env:"MATCH_ALLOW_SELF"`
	LogLevel               string        `env:"LOG_LEVEL"`
	AllowedOrigins         []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", DefaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.ReferralServiceAddress, "r", "", "referral service address")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for the payout lock")
	flag.StringVar(&cfg.AuthSecret, "s", DefaultAuthSecret, "secret for signing auth cookies")
	flag.StringVar(&cfg.AdminToken, "admin-token", "", "token for the admin API, disabled when empty")
	flag.StringVar(&cfg.TiersFile, "tiers", "", "YAML file with membership tiers")
	flag.DurationVar(&cfg.PayoutInterval, "payout-interval", DefaultPayoutInterval, "commission payout interval")
	flag.DurationVar(&cfg.StoreTimeout, "store-timeout", DefaultStoreTimeout, "timeout of a single store operation")
	flag.BoolVar(&cfg.AllowSelfMatch, "allow-self-match", false, "allow matching tickets of the same user")
	flag.StringVar(&cfg.LogLevel, "log-level", DefaultLogLevel, "log level")

	var origins string
	flag.StringVar(&origins, "cors-origins", "", "comma-separated origins allowed to call the API with credentials")

	flag.Parse()

	cfg.AllowedOrigins = splitList(origins)

	// env не трогает поля, для которых переменная не задана.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = DefaultRunAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if c.PayoutInterval <= 0 {
		return fmt.Errorf("payout interval must be positive, got %s", c.PayoutInterval)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	for _, o := range c.AllowedOrigins {
		if strings.Contains(o, "*") {
			return fmt.Errorf("wildcard CORS origin %q is not allowed with credentials", o)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Level возвращает уровень логирования.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

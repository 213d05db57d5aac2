// Package config resolves runtime settings from environment variables and
// command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys. Each is bound to the upper-cased environment variable of the same
// name, so database_url reads DATABASE_URL.
const (
	KeyPort               = "port"
	KeyDatabaseURL        = "database_url"
	KeyRedisURL           = "redis_url"
	KeyAMQPURL            = "amqp_url"
	KeyAMQPExchange       = "amqp_exchange"
	KeyEscrowURL          = "escrow_url"
	KeyEscrowAPIKey       = "escrow_api_key"
	KeyEscrowTimeout      = "escrow_timeout"
	KeyTickSchedule       = "tick_schedule"
	KeyExtensionThreshold = "extension_threshold"
	KeyExtensionWindow    = "extension_window"
	KeyTickConcurrency    = "tick_concurrency"
	KeyCommissionTTL      = "commission_ttl"
	KeyRiskTTL            = "risk_ttl"
	KeyLockTTL            = "lock_ttl"
	KeyCacheTTL           = "cache_ttl"
	KeyCurrency           = "currency"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	AMQPURL      string
	AMQPExchange string

	EscrowURL     string
	EscrowAPIKey  string
	EscrowTimeout time.Duration

	TickSchedule       string
	ExtensionThreshold time.Duration
	ExtensionWindow    time.Duration
	TickConcurrency    int

	CommissionTTL time.Duration
	RiskTTL       time.Duration
	LockTTL       time.Duration
	CacheTTL      time.Duration

	Currency string
}

var defaults = map[string]any{
	KeyPort:               "8080",
	KeyAMQPExchange:       "auctions.events",
	KeyEscrowTimeout:      10 * time.Second,
	KeyTickSchedule:       "@every 5s",
	KeyExtensionThreshold: 60 * time.Second,
	KeyExtensionWindow:    60 * time.Second,
	KeyTickConcurrency:    4,
	KeyCommissionTTL:      5 * time.Minute,
	KeyRiskTTL:            30 * time.Second,
	KeyLockTTL:            10 * time.Second,
	KeyCacheTTL:           30 * time.Second,
	KeyCurrency:           "USD",
}

var keys = []string{
	KeyPort, KeyDatabaseURL, KeyRedisURL, KeyAMQPURL, KeyAMQPExchange,
	KeyEscrowURL, KeyEscrowAPIKey, KeyEscrowTimeout, KeyTickSchedule,
	KeyExtensionThreshold, KeyExtensionWindow, KeyTickConcurrency,
	KeyCommissionTTL, KeyRiskTTL, KeyLockTTL, KeyCacheTTL, KeyCurrency,
}

// Bind registers defaults and environment bindings on v. Flags bound with
// v.BindPFlag afterwards take precedence over the environment.
func Bind(v *viper.Viper) error {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return fmt.Errorf("bind %s: %w", k, err)
		}
	}
	return nil
}

// Load binds v and reads the configuration from it.
func Load(v *viper.Viper) (Config, error) {
	if err := Bind(v); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:               v.GetString(KeyPort),
		DatabaseURL:        v.GetString(KeyDatabaseURL),
		RedisURL:           v.GetString(KeyRedisURL),
		AMQPURL:            v.GetString(KeyAMQPURL),
		AMQPExchange:       v.GetString(KeyAMQPExchange),
		EscrowURL:          v.GetString(KeyEscrowURL),
		EscrowAPIKey:       v.GetString(KeyEscrowAPIKey),
		EscrowTimeout:      v.GetDuration(KeyEscrowTimeout),
		TickSchedule:       v.GetString(KeyTickSchedule),
		ExtensionThreshold: v.GetDuration(KeyExtensionThreshold),
		ExtensionWindow:    v.GetDuration(KeyExtensionWindow),
		TickConcurrency:    v.GetInt(KeyTickConcurrency),
		CommissionTTL:      v.GetDuration(KeyCommissionTTL),
		RiskTTL:            v.GetDuration(KeyRiskTTL),
		LockTTL:            v.GetDuration(KeyLockTTL),
		CacheTTL:           v.GetDuration(KeyCacheTTL),
		Currency:           strings.ToUpper(v.GetString(KeyCurrency)),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("port is required")
	case c.TickSchedule == "":
		return fmt.Errorf("tick schedule is required")
	case c.ExtensionThreshold <= 0 || c.ExtensionWindow <= 0:
		return fmt.Errorf("extension threshold and window must be positive")
	case c.TickConcurrency < 1:
		return fmt.Errorf("tick concurrency must be at least 1, got %d", c.TickConcurrency)
	case c.LockTTL <= 0:
		return fmt.Errorf("lock ttl must be positive")
	case len(c.Currency) != 3:
		return fmt.Errorf("currency must be a 3-letter code, got %q", c.Currency)
	case c.EscrowURL != "" && c.EscrowAPIKey == "":
		return fmt.Errorf("escrow api key is required when escrow url is set")
	}
	return nil
}

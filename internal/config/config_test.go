package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range keys {
		t.Setenv(strings.ToUpper(k), "")
	}
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.ExtensionThreshold != time.Minute || cfg.ExtensionWindow != time.Minute {
		t.Errorf("extension = %s/%s", cfg.ExtensionThreshold, cfg.ExtensionWindow)
	}
	if cfg.TickSchedule != "@every 5s" || cfg.TickConcurrency != 4 {
		t.Errorf("tick = %q/%d", cfg.TickSchedule, cfg.TickConcurrency)
	}
	if cfg.CommissionTTL != 5*time.Minute {
		t.Errorf("commission ttl = %s", cfg.CommissionTTL)
	}
	if cfg.Currency != "USD" {
		t.Errorf("currency = %q", cfg.Currency)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Errorf("unexpected backing stores: %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/auctions")
	t.Setenv("EXTENSION_WINDOW", "2m")
	t.Setenv("TICK_CONCURRENCY", "8")
	t.Setenv("CURRENCY", "eur")

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.DatabaseURL != "postgres://localhost/auctions" {
		t.Errorf("got %+v", cfg)
	}
	if cfg.ExtensionWindow != 2*time.Minute {
		t.Errorf("window = %s", cfg.ExtensionWindow)
	}
	if cfg.TickConcurrency != 8 {
		t.Errorf("concurrency = %d", cfg.TickConcurrency)
	}
	if cfg.Currency != "EUR" {
		t.Errorf("currency = %q", cfg.Currency)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero concurrency", map[string]string{"TICK_CONCURRENCY": "0"}},
		{"bad currency", map[string]string{"CURRENCY": "DOLLARS"}},
		{"escrow without key", map[string]string{"ESCROW_URL": "https://escrow.local", "ESCROW_API_KEY": ""}},
		{"negative window", map[string]string{"EXTENSION_WINDOW": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(viper.New()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// Package config is the ambient configuration layer used only by
// cmd/pumpsentryd (spec.md §6.4: "No environment variables are read by the
// core after startup"). Grounded on internal/config/config.go's nested
// mapstructure-tagged Config + viper binding.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig is the process-wide configuration for wiring the bus,
// indicator engine, persistence and REST/WS surfaces. It is read once at
// process startup and handed to the constructors that need it; nothing in
// internal/{bus,indicators,strategy,orders,execution} reads it directly
// from a global.
type EngineConfig struct {
	Bus struct {
		PublishTimeout time.Duration `mapstructure:"publish_timeout"`
		ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
		WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	} `mapstructure:"bus"`

	Indicators struct {
		MemoryBudgetBytes int64         `mapstructure:"memory_budget_bytes"`
		PressureRatio     float64       `mapstructure:"pressure_ratio"`
		FoldSoftBudget    time.Duration `mapstructure:"fold_soft_budget"`
	} `mapstructure:"indicators"`

	Persistence struct {
		BatchMaxRows   int           `mapstructure:"batch_max_rows"`
		BatchMaxDelay  time.Duration `mapstructure:"batch_max_delay"`
		RetryAttempts  int           `mapstructure:"retry_attempts"`
		OverflowWindow time.Duration `mapstructure:"overflow_window"`
		DSN            string        `mapstructure:"dsn"`
	} `mapstructure:"persistence"`

	MarketFeed struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MissedHeartbeats  int           `mapstructure:"missed_heartbeats"`
		MaxBackoff        time.Duration `mapstructure:"max_backoff"`
		MaxAcceleration   float64       `mapstructure:"max_acceleration"`
		NATSURL           string        `mapstructure:"nats_url"`
	} `mapstructure:"market_feed"`

	Orders struct {
		SweepInterval    time.Duration `mapstructure:"sweep_interval"`
		ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
		RetryAttempts    int           `mapstructure:"retry_attempts"`
	} `mapstructure:"orders"`

	REST struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"rest"`

	WS struct {
		Addr              string        `mapstructure:"addr"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		MarketDataSampleInterval time.Duration `mapstructure:"market_data_sample_interval"`
	} `mapstructure:"ws"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the defaults named throughout spec.md.
func Default() EngineConfig {
	var c EngineConfig
	c.Bus.PublishTimeout = 100 * time.Millisecond
	c.Bus.ShutdownGrace = 5 * time.Second
	c.Bus.WorkerPoolSize = 256

	c.Indicators.MemoryBudgetBytes = 500 * 1024 * 1024
	c.Indicators.PressureRatio = 0.8
	c.Indicators.FoldSoftBudget = 5 * time.Millisecond

	c.Persistence.BatchMaxRows = 1000
	c.Persistence.BatchMaxDelay = 500 * time.Millisecond
	c.Persistence.RetryAttempts = 3
	c.Persistence.OverflowWindow = time.Minute

	c.MarketFeed.HeartbeatInterval = 30 * time.Second
	c.MarketFeed.MissedHeartbeats = 3
	c.MarketFeed.MaxBackoff = 30 * time.Second
	c.MarketFeed.MaxAcceleration = 100

	c.Orders.SweepInterval = 250 * time.Millisecond
	c.Orders.ReconcileInterval = 2 * time.Second
	c.Orders.RetryAttempts = 3

	c.REST.Addr = ":8080"
	c.WS.Addr = ":8081"
	c.WS.IdleTimeout = 60 * time.Second
	c.WS.MarketDataSampleInterval = 250 * time.Millisecond

	c.LogLevel = "info"
	return c
}

// Load reads configPath (YAML) into the defaults once at process startup.
// Grounded on internal/config/config.go's LoadConfig: a missing file falls
// back to Default() untouched rather than erroring, since every field
// already has a sane default (spec.md §6.4: "Configuration is a single
// immutable structure given to start_session" — read once here, never
// re-read by the engine itself).
func Load(configPath string) (EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile makes viper report a missing file as the raw
		// fs not-exist error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

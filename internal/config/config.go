// Package config loads the packtrack configuration record.
//
// Configuration is resolved from, in order of precedence: explicit flags
// (set by the CLI), PACKTRACK_* environment variables, a packtrack.yaml file,
// and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed configuration record. Field groups follow the
// component they parameterize.
type Config struct {
	// Core
	StateDir            string `mapstructure:"state_dir" yaml:"state_dir"`
	PoolSize            int    `mapstructure:"pool_size" yaml:"pool_size"`
	QueryTimeoutSeconds int    `mapstructure:"query_timeout_seconds" yaml:"query_timeout_seconds"`

	// Retention
	AutoBackupEnabled   bool `mapstructure:"auto_backup_enabled" yaml:"auto_backup_enabled"`
	BackupRetentionDays int  `mapstructure:"backup_retention_days" yaml:"backup_retention_days"`
	MaxBackupCount      int  `mapstructure:"max_backup_count" yaml:"max_backup_count"`

	// Registry
	HeartbeatRateMin      int     `mapstructure:"heartbeat_rate_min" yaml:"heartbeat_rate_min"`
	InactiveTimeMin       int     `mapstructure:"inactive_time_min" yaml:"inactive_time_min"`
	InactiveInstanceCount int     `mapstructure:"inactive_instance_count" yaml:"inactive_instance_count"`
	InactivePPMThreshold  float64 `mapstructure:"inactive_ppm_threshold" yaml:"inactive_ppm_threshold"`
	LeechEnabled          bool    `mapstructure:"leech_enabled" yaml:"leech_enabled"`
	LeechMinGP            int     `mapstructure:"leech_min_gp" yaml:"leech_min_gp"`
	LeechMinPacks         int64   `mapstructure:"leech_min_packs" yaml:"leech_min_packs"`

	// Verification
	ProbabilityCacheTTLSeconds int     `mapstructure:"probability_cache_ttl_seconds" yaml:"probability_cache_ttl_seconds"`
	DeadThreshold              float64 `mapstructure:"dead_threshold" yaml:"dead_threshold"`
	DeadConfidenceThreshold    float64 `mapstructure:"dead_confidence_threshold" yaml:"dead_confidence_threshold"`

	// Scheduling
	StatsIntervalMin       int `mapstructure:"stats_interval_min" yaml:"stats_interval_min"`
	ExpirationScanSec      int `mapstructure:"expiration_scan_sec" yaml:"expiration_scan_sec"`
	ExpirationWarningHours int `mapstructure:"expiration_warning_hours" yaml:"expiration_warning_hours"`
	DailyResetLocalHour    int `mapstructure:"daily_reset_local_hour" yaml:"daily_reset_local_hour"`

	// Emission
	SubscriberBufferCapacity int `mapstructure:"subscriber_buffer_capacity" yaml:"subscriber_buffer_capacity"`

	// Derived data
	GapThresholdMin       int `mapstructure:"gap_threshold_min" yaml:"gap_threshold_min"`
	HeartbeatRetentionDay int `mapstructure:"heartbeat_retention_days" yaml:"heartbeat_retention_days"`
}

// Default returns the built-in configuration record.
func Default() *Config {
	return &Config{
		StateDir:                   ".packtrack",
		PoolSize:                   5,
		QueryTimeoutSeconds:        30,
		AutoBackupEnabled:          true,
		BackupRetentionDays:        30,
		MaxBackupCount:             50,
		HeartbeatRateMin:           30,
		InactiveTimeMin:            61,
		InactiveInstanceCount:      0,
		InactivePPMThreshold:       0.1,
		LeechEnabled:               false,
		LeechMinGP:                 1,
		LeechMinPacks:              10000,
		ProbabilityCacheTTLSeconds: 300,
		DeadThreshold:              10,
		DeadConfidenceThreshold:    70,
		StatsIntervalMin:           30,
		ExpirationScanSec:          300,
		ExpirationWarningHours:     6,
		DailyResetLocalHour:        6,
		SubscriberBufferCapacity:   1024,
		GapThresholdMin:            60,
		HeartbeatRetentionDay:      30,
	}
}

// Load reads configuration from the given file (optional) plus PACKTRACK_*
// environment variables, layered over the defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PACKTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("pool_size", def.PoolSize)
	v.SetDefault("query_timeout_seconds", def.QueryTimeoutSeconds)
	v.SetDefault("auto_backup_enabled", def.AutoBackupEnabled)
	v.SetDefault("backup_retention_days", def.BackupRetentionDays)
	v.SetDefault("max_backup_count", def.MaxBackupCount)
	v.SetDefault("heartbeat_rate_min", def.HeartbeatRateMin)
	v.SetDefault("inactive_time_min", def.InactiveTimeMin)
	v.SetDefault("inactive_instance_count", def.InactiveInstanceCount)
	v.SetDefault("inactive_ppm_threshold", def.InactivePPMThreshold)
	v.SetDefault("leech_enabled", def.LeechEnabled)
	v.SetDefault("leech_min_gp", def.LeechMinGP)
	v.SetDefault("leech_min_packs", def.LeechMinPacks)
	v.SetDefault("probability_cache_ttl_seconds", def.ProbabilityCacheTTLSeconds)
	v.SetDefault("dead_threshold", def.DeadThreshold)
	v.SetDefault("dead_confidence_threshold", def.DeadConfidenceThreshold)
	v.SetDefault("stats_interval_min", def.StatsIntervalMin)
	v.SetDefault("expiration_scan_sec", def.ExpirationScanSec)
	v.SetDefault("expiration_warning_hours", def.ExpirationWarningHours)
	v.SetDefault("daily_reset_local_hour", def.DailyResetLocalHour)
	v.SetDefault("subscriber_buffer_capacity", def.SubscriberBufferCapacity)
	v.SetDefault("gap_threshold_min", def.GapThresholdMin)
	v.SetDefault("heartbeat_retention_days", def.HeartbeatRetentionDay)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.QueryTimeoutSeconds < 1 {
		return fmt.Errorf("query_timeout_seconds must be >= 1, got %d", c.QueryTimeoutSeconds)
	}
	if c.BackupRetentionDays < 1 {
		return fmt.Errorf("backup_retention_days must be >= 1, got %d", c.BackupRetentionDays)
	}
	if c.MaxBackupCount < 1 {
		return fmt.Errorf("max_backup_count must be >= 1, got %d", c.MaxBackupCount)
	}
	if c.HeartbeatRateMin < 1 {
		return fmt.Errorf("heartbeat_rate_min must be >= 1, got %d", c.HeartbeatRateMin)
	}
	if c.InactiveTimeMin <= c.HeartbeatRateMin {
		return fmt.Errorf("inactive_time_min (%d) must exceed heartbeat_rate_min (%d)",
			c.InactiveTimeMin, c.HeartbeatRateMin)
	}
	if c.DailyResetLocalHour < 0 || c.DailyResetLocalHour > 23 {
		return fmt.Errorf("daily_reset_local_hour must be in [0,23], got %d", c.DailyResetLocalHour)
	}
	if c.SubscriberBufferCapacity < 1 {
		return fmt.Errorf("subscriber_buffer_capacity must be >= 1, got %d", c.SubscriberBufferCapacity)
	}
	if c.GapThresholdMin < 1 {
		return fmt.Errorf("gap_threshold_min must be >= 1, got %d", c.GapThresholdMin)
	}
	return nil
}

// QueryTimeout returns the per-statement timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// ProbabilityCacheTTL returns the GP statistics cache TTL as a duration.
func (c *Config) ProbabilityCacheTTL() time.Duration {
	return time.Duration(c.ProbabilityCacheTTLSeconds) * time.Second
}

// GapThreshold returns the run gap threshold as a duration.
func (c *Config) GapThreshold() time.Duration {
	return time.Duration(c.GapThresholdMin) * time.Minute
}

// HeartbeatGrace is the window after which an active worker without a
// heartbeat is considered waiting: HeartbeatRate + 1 minute.
func (c *Config) HeartbeatGrace() time.Duration {
	return time.Duration(c.HeartbeatRateMin+1) * time.Minute
}

// InactiveAfter is the window after which a silent worker is auto-kicked.
func (c *Config) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveTimeMin) * time.Minute
}

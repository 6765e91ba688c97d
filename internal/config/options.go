// Package config loads the structured options object of spec §6 through
// github.com/spf13/viper, the way the teacher's cmd/bd binds flags, env
// vars, and config.yaml onto a typed settings surface.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ReconnectOptions controls the duplex channel's exponential backoff.
type ReconnectOptions struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	Factor      float64       `mapstructure:"factor"`
}

// QuotaOptions controls the storage quota manager's thresholds.
type QuotaOptions struct {
	Warn     float64       `mapstructure:"warn"`
	Critical float64       `mapstructure:"critical"`
	Probe    time.Duration `mapstructure:"probe"`
}

// CacheOptions controls the multi-layer cache's default TTLs.
type CacheOptions struct {
	Layer1TTL time.Duration `mapstructure:"layer1TTL"`
	Layer2TTL time.Duration `mapstructure:"layer2TTL"`
}

// MigrationOptions controls the migration engine's batching.
type MigrationOptions struct {
	BatchSize       int           `mapstructure:"batchSize"`
	InterBatchDelay time.Duration `mapstructure:"interBatchDelay"`
}

// ConflictStrategy is the user-selectable default resolver policy name.
type ConflictStrategy string

const (
	StrategyLastWriteWins ConflictStrategy = "lastWriteWins"
	StrategyRemoteWins    ConflictStrategy = "remoteWins"
	StrategyLocalWins     ConflictStrategy = "localWins"
	StrategyMerge         ConflictStrategy = "merge"
)

// Options is the single structured configuration object of spec §6.
type Options struct {
	WSEndpoint        string           `mapstructure:"wsEndpoint"`
	BatchSize         int              `mapstructure:"batchSize"`
	SyncInterval      time.Duration    `mapstructure:"syncInterval"`
	HeartbeatInterval time.Duration    `mapstructure:"heartbeatInterval"`
	Reconnect         ReconnectOptions `mapstructure:"reconnect"`
	Quota             QuotaOptions     `mapstructure:"quota"`
	Cache             CacheOptions     `mapstructure:"cache"`
	Migration         MigrationOptions `mapstructure:"migration"`
	ConflictStrategy  ConflictStrategy `mapstructure:"conflictStrategy"`

	// DataDir is where the embedded SQL engine and kv slots live. It has
	// no spec §6 key (the spec is silent on host storage location) but
	// is required to instantiate internal/store in this runtime.
	DataDir string `mapstructure:"dataDir"`
}

// Default returns the options object populated with the spec §6 defaults.
func Default() Options {
	return Options{
		BatchSize:         100,
		SyncInterval:      30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Reconnect: ReconnectOptions{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Factor:      2,
		},
		Quota: QuotaOptions{
			Warn:     0.80,
			Critical: 0.95,
			Probe:    5 * time.Minute,
		},
		Cache: CacheOptions{
			Layer1TTL: 5 * time.Minute,
			Layer2TTL: time.Hour,
		},
		Migration: MigrationOptions{
			BatchSize:       100,
			InterBatchDelay: 100 * time.Millisecond,
		},
		ConflictStrategy: StrategyLastWriteWins,
		DataDir:          "./data",
	}
}

// Load builds a viper instance seeded with the spec §6 defaults, then
// layers in a config file (if present) and environment variables
// prefixed OFFLINE_, the same env/file/default layering the teacher's
// config loaders use.
func Load(configPath string) (Options, error) {
	v := viper.New()
	seedDefaults(v, Default())

	v.SetEnvPrefix("OFFLINE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return opts, nil
}

func seedDefaults(v *viper.Viper, d Options) {
	v.SetDefault("wsEndpoint", d.WSEndpoint)
	v.SetDefault("batchSize", d.BatchSize)
	v.SetDefault("syncInterval", d.SyncInterval)
	v.SetDefault("heartbeatInterval", d.HeartbeatInterval)
	v.SetDefault("reconnect.maxAttempts", d.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.baseDelay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.maxDelay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.factor", d.Reconnect.Factor)
	v.SetDefault("quota.warn", d.Quota.Warn)
	v.SetDefault("quota.critical", d.Quota.Critical)
	v.SetDefault("quota.probe", d.Quota.Probe)
	v.SetDefault("cache.layer1TTL", d.Cache.Layer1TTL)
	v.SetDefault("cache.layer2TTL", d.Cache.Layer2TTL)
	v.SetDefault("migration.batchSize", d.Migration.BatchSize)
	v.SetDefault("migration.interBatchDelay", d.Migration.InterBatchDelay)
	v.SetDefault("conflictStrategy", string(d.ConflictStrategy))
	v.SetDefault("dataDir", d.DataDir)
}

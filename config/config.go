// Package config loads hyperprojd's TOML configuration via viper,
// with pflag-bound command-line overrides and cast-based coercion for
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ResolverConfig bounds the resolver coordinator's batching.
type ResolverConfig struct {
	BatchSize     int
	BatchInterval time.Duration
}

// CacheConfig bounds the entity cache.
type CacheConfig struct {
	MaxEntriesPerView int
	MaxArrayLength    int
	WarmTierBytes     int
}

// FanoutConfig bounds per-client buffering.
type FanoutConfig struct {
	ClientBufferSize int
}

// PdaConfig bounds the VM's PDA reverse-lookup LRU: 10 pending updates
// per address, 300s TTL, 10,000 pending updates total across every
// address.
type PdaConfig struct {
	Capacity         int
	PendingCap       int
	PendingTTL       time.Duration
	GlobalPendingCap int
}

// Config is hyperprojd's full runtime configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	LogFile    string

	Resolver ResolverConfig
	Cache    CacheConfig
	Fanout   FanoutConfig
	Pda      PdaConfig
}

func defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",
		Resolver: ResolverConfig{
			BatchSize:     64,
			BatchInterval: 50 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxEntriesPerView: 500,
			MaxArrayLength:    100,
			WarmTierBytes:     0,
		},
		Fanout: FanoutConfig{
			ClientBufferSize: 256,
		},
		Pda: PdaConfig{
			Capacity:         10_000,
			PendingCap:       10,
			PendingTTL:       300 * time.Second,
			GlobalPendingCap: 10_000,
		},
	}
}

// BindFlags registers hyperprojd's command-line flags onto fs, mirrored
// one-to-one onto viper keys so a flag always wins over a config-file
// value, which in turn wins over the built-in default.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("listen-addr", "", "address to listen on")
	fs.String("log-level", "", "log level (trace|debug|info|warn|error|crit)")
	fs.String("log-file", "", "log file path (rotated via lumberjack); empty means stderr")
	fs.Int("resolver-batch-size", 0, "resolver coordinator batch size")
	fs.Int("cache-max-entries", 0, "entity cache max entries per view")
	fs.Int("cache-warm-tier-bytes", 0, "fastcache warm-tier size in bytes (0 disables)")

	_ = v.BindPFlag("listen_addr", fs.Lookup("listen-addr"))
	_ = v.BindPFlag("log_level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log_file", fs.Lookup("log-file"))
	_ = v.BindPFlag("resolver.batch_size", fs.Lookup("resolver-batch-size"))
	_ = v.BindPFlag("cache.max_entries_per_view", fs.Lookup("cache-max-entries"))
	_ = v.BindPFlag("cache.warm_tier_bytes", fs.Lookup("cache-warm-tier-bytes"))
}

// Load reads configPath (TOML; empty path means built-in defaults plus
// whatever flags/env overrode) into a Config, falling back to defaults
// for anything unset.
func Load(configPath string, v *viper.Viper) (Config, error) {
	cfg := defaults()

	v.SetConfigType("toml")
	v.SetEnvPrefix("HYPERPROJ")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	applyIfSet(v, "listen_addr", &cfg.ListenAddr)
	applyIfSet(v, "log_level", &cfg.LogLevel)
	applyIfSet(v, "log_file", &cfg.LogFile)

	if v.IsSet("resolver.batch_size") {
		cfg.Resolver.BatchSize = cast.ToInt(v.Get("resolver.batch_size"))
	}
	if v.IsSet("resolver.batch_interval") {
		cfg.Resolver.BatchInterval = cast.ToDuration(v.Get("resolver.batch_interval"))
	}
	if v.IsSet("cache.max_entries_per_view") {
		cfg.Cache.MaxEntriesPerView = cast.ToInt(v.Get("cache.max_entries_per_view"))
	}
	if v.IsSet("cache.max_array_length") {
		cfg.Cache.MaxArrayLength = cast.ToInt(v.Get("cache.max_array_length"))
	}
	if v.IsSet("cache.warm_tier_bytes") {
		cfg.Cache.WarmTierBytes = cast.ToInt(v.Get("cache.warm_tier_bytes"))
	}
	if v.IsSet("fanout.client_buffer_size") {
		cfg.Fanout.ClientBufferSize = cast.ToInt(v.Get("fanout.client_buffer_size"))
	}
	if v.IsSet("pda.capacity") {
		cfg.Pda.Capacity = cast.ToInt(v.Get("pda.capacity"))
	}
	if v.IsSet("pda.pending_cap") {
		cfg.Pda.PendingCap = cast.ToInt(v.Get("pda.pending_cap"))
	}
	if v.IsSet("pda.pending_ttl") {
		cfg.Pda.PendingTTL = cast.ToDuration(v.Get("pda.pending_ttl"))
	}
	if v.IsSet("pda.global_pending_cap") {
		cfg.Pda.GlobalPendingCap = cast.ToInt(v.Get("pda.global_pending_cap"))
	}

	return cfg, nil
}

func applyIfSet(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := cast.ToString(v.Get(key)); s != "" {
			*dst = s
		}
	}
}

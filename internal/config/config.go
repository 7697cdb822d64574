// Package config loads EntDB's process configuration the way BeadsLog
// loads its CLI configuration: viper, with environment variables
// taking precedence over a config file and hard-coded defaults
// beneath both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CanonicalConfig holds the canonical-store backend's connection tunables.
type CanonicalConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	JournalMode   string `mapstructure:"journal_mode"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
	CacheSizeKB   int    `mapstructure:"cache_size_kb"`
}

// StreamConfig selects and configures the log backend.
type StreamConfig struct {
	Backend    string   `mapstructure:"backend"` // "memory" | "kafka" | "kinesis"
	Topic      string   `mapstructure:"topic"`
	Brokers    []string `mapstructure:"brokers"`    // kafka
	StreamName string   `mapstructure:"stream_name"` // kinesis
	Region     string   `mapstructure:"region"`      // kinesis
}

// ObjectStoreConfig selects and configures the archive/snapshot blob store.
type ObjectStoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory" | "s3"
	Bucket  string `mapstructure:"bucket"`
	Region  string `mapstructure:"region"`
}

// ArchiveConfig mirrors archive.Config's tunables for config-file loading.
type ArchiveConfig struct {
	Prefix        string        `mapstructure:"prefix"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	MaxEntries    int           `mapstructure:"max_entries"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Gzip          bool          `mapstructure:"gzip"`
}

// SnapshotConfig mirrors snapshot.Config's tunables.
type SnapshotConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	Interval         time.Duration `mapstructure:"interval"`
	MinEventsSince   int64         `mapstructure:"min_events_since"`
	Gzip             bool          `mapstructure:"gzip"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
}

// APIConfig configures the HTTP API listener.
type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	WaitAppliedPoll time.Duration `mapstructure:"wait_applied_poll"`
}

// Config is the fully resolved EntDB process configuration.
type Config struct {
	Canonical   CanonicalConfig   `mapstructure:"canonical"`
	Stream      StreamConfig      `mapstructure:"stream"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	API         APIConfig         `mapstructure:"api"`
	LogLevel    string            `mapstructure:"log_level"`
}

// Load builds a viper instance bound to ENTDB_-prefixed environment
// variables, optionally layering a config file on top of defaults,
// and decodes it into a Config.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ENTDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Stream.Topic == "" {
		return Config{}, fmt.Errorf("stream.topic is required")
	}
	if cfg.Stream.Backend == "kinesis" && cfg.Stream.StreamName == "" {
		return Config{}, fmt.Errorf("stream.stream_name is required for the kinesis backend")
	}
	if cfg.ObjectStore.Backend == "s3" && cfg.ObjectStore.Bucket == "" {
		return Config{}, fmt.Errorf("object_store.bucket is required for the s3 backend")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("canonical.data_dir", "./data/canonical")
	v.SetDefault("canonical.journal_mode", "WAL")
	v.SetDefault("canonical.busy_timeout_ms", 5000)
	v.SetDefault("canonical.cache_size_kb", 20000)

	v.SetDefault("stream.backend", "memory")
	v.SetDefault("stream.topic", "entdb-events")

	v.SetDefault("object_store.backend", "memory")

	v.SetDefault("archive.prefix", "archive")
	v.SetDefault("archive.max_bytes", 8<<20)
	v.SetDefault("archive.max_entries", 5000)
	v.SetDefault("archive.flush_interval", "30s")
	v.SetDefault("archive.gzip", true)

	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("snapshot.interval", "1h")
	v.SetDefault("snapshot.min_events_since", 0)
	v.SetDefault("snapshot.gzip", true)
	v.SetDefault("snapshot.max_concurrent", 4)

	v.SetDefault("api.listen_addr", ":7171")
	v.SetDefault("api.wait_applied_poll", "50ms")

	v.SetDefault("log_level", "info")
}

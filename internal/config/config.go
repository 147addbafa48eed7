// Package config loads and validates iterator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Run        RunConfig        `mapstructure:"run"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ArchiveConfig locates the bundle and tunes how it is read.
type ArchiveConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
	// Sidecar overrides <dir>/arc_description.ini.
	Sidecar       string `mapstructure:"sidecar"`
	BlockSize     int    `mapstructure:"block_size"`
	MaxRecordSize int    `mapstructure:"max_record_size"`
	NormalizeUTF8 bool   `mapstructure:"normalize_utf8"`
	ODPBase       string `mapstructure:"odp_base"`
	ResolverCache int    `mapstructure:"resolver_cache"`
}

// CheckpointConfig selects where iterator progress is persisted.
type CheckpointConfig struct {
	ResultDir string `mapstructure:"result_dir"`
	// Backend is "file" (iterate_status.txt) or "bunt".
	Backend string `mapstructure:"backend"`
	// Timestamp keys the bunt backend; several runs can share one database.
	Timestamp string `mapstructure:"timestamp"`
	Compress  bool   `mapstructure:"compress"`
}

// RunConfig drives the batch runner.
type RunConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	// MaxBatches stops the run early; 0 runs to the end of the bundle.
	MaxBatches int    `mapstructure:"max_batches"`
	Raw        bool   `mapstructure:"raw"`
	BlobPrefix string `mapstructure:"blob_prefix"`
	// UploadWorkers bounds concurrent blob writes within one batch.
	UploadWorkers int `mapstructure:"upload_workers"`
	// SinkRPS throttles blob writes and publishes; 0 disables throttling.
	SinkRPS   float64 `mapstructure:"sink_rps"`
	SinkBurst int     `mapstructure:"sink_burst"`
}

// StorageConfig chooses the page blob store.
type StorageConfig struct {
	// Backend is one of memory, local, gcs or noop.
	Backend string            `mapstructure:"backend"`
	Bucket  string            `mapstructure:"bucket"`
	Local   LocalStorage      `mapstructure:"local"`
	Labels  map[string]string `mapstructure:"labels"`
}

// LocalStorage configures the filesystem blob store.
type LocalStorage struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to the record index. An empty DSN keeps
// runs and records in memory.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	RecordTable            string `mapstructure:"record_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for batch notifications. An empty topic
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
	RingSize      int                 `mapstructure:"ring_size"`
	// HeartbeatMs folds repeated iterator heartbeats of one stage.
	HeartbeatMs int `mapstructure:"heartbeat_ms"`
}

// ProgressBatchConfig tunes progress batching.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// HTTPConfig controls the admin server.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BUNDLEITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// AutomaticEnv only sees keys viper already knows, so every key gets a default.
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.format", "")
	v.SetDefault("archive.sidecar", "")
	v.SetDefault("archive.block_size", 16_384_000)
	v.SetDefault("archive.max_record_size", 49_152)
	v.SetDefault("archive.normalize_utf8", false)
	v.SetDefault("archive.odp_base", "")
	v.SetDefault("archive.resolver_cache", 1024)
	v.SetDefault("checkpoint.result_dir", "results")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.timestamp", "default")
	v.SetDefault("checkpoint.compress", false)
	v.SetDefault("run.batch_size", 100)
	v.SetDefault("run.max_batches", 0)
	v.SetDefault("run.raw", false)
	v.SetDefault("run.blob_prefix", "pages")
	v.SetDefault("run.upload_workers", 4)
	v.SetDefault("run.sink_rps", 0)
	v.SetDefault("run.sink_burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.record_table", "bundle_records")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.ring_size", 256)
	v.SetDefault("progress.heartbeat_ms", 5000)
	v.SetDefault("http.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir is required")
	}
	if c.Archive.BlockSize <= 0 {
		return fmt.Errorf("archive.block_size must be > 0")
	}
	if c.Archive.MaxRecordSize <= 0 {
		return fmt.Errorf("archive.max_record_size must be > 0")
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.ResultDir == "" {
			return fmt.Errorf("checkpoint.result_dir is required for the file backend")
		}
	case "bunt":
		if c.Checkpoint.Timestamp == "" {
			return fmt.Errorf("checkpoint.timestamp is required for the bunt backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be file or bunt, got %q", c.Checkpoint.Backend)
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Run.MaxBatches < 0 {
		return fmt.Errorf("run.max_batches must be >= 0")
	}
	if c.Run.UploadWorkers < 0 {
		return fmt.Errorf("run.upload_workers must be >= 0")
	}
	if c.Run.SinkRPS < 0 {
		return fmt.Errorf("run.sink_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory", "noop":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, gcs or noop, got %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be > 0")
	}
	return nil
}

// ProgressBatchWait converts the batching window into a duration.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond
}

// ProgressSinkTimeout converts the per-sink timeout into a duration.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}

// HeartbeatInterval converts the heartbeat fold window into a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Progress.HeartbeatMs) * time.Millisecond
}

// ConnLifetime converts the pool lifetime into a duration.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}

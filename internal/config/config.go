// Package config loads the runtime configuration from a TOML file and
// fills unset fields with documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"

	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeMaxEntries = 65536

	DefaultGaterTimeout        = 100 * time.Millisecond
	DefaultCommandMaxTextBytes = 2048
	DefaultCommandPrefix       = "/"

	DefaultOutboundParallelism = 4
	DefaultQueueCapacity       = 128
	DefaultWarnRatio           = 0.70
	DefaultDegradedRatio       = 0.85
	DefaultShedRatio           = 0.95
	DefaultThrottle            = 25 * time.Millisecond
	DefaultMaxAttempts         = 5
	DefaultBaseBackoff         = 250 * time.Millisecond
	DefaultMaxBackoff          = 10 * time.Second
	DefaultAdapterTimeout      = 15 * time.Second
	DefaultIdempotencyCacheCap = 1024
	DefaultIdempotencyTTL      = 10 * time.Minute

	DefaultReplayPartitions = 2

	DefaultRoomRingSize  = 200
	DefaultRoomInboxSize = 64

	DefaultDrainDeadline = 30 * time.Second

	DefaultSignalBuffer = 64
)

// Config is the root configuration document.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Ingest   IngestConfig   `toml:"ingest"`
	Outbound OutboundConfig `toml:"outbound"`
	Replay   ReplayConfig   `toml:"replay"`
	Room     RoomConfig     `toml:"room"`
	Signal   SignalConfig   `toml:"signal"`
	Shutdown ShutdownConfig `toml:"shutdown"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// IngestConfig tunes the inbound pipeline.
type IngestConfig struct {
	DedupeTTL           Duration `toml:"dedupe_ttl"`
	DedupeMaxEntries    int      `toml:"dedupe_max_entries"`
	GaterTimeout        Duration `toml:"gater_timeout"`
	CommandMaxTextBytes int      `toml:"command_max_text_bytes"`
	CommandPrefix       string   `toml:"command_prefix"`
	// TimeoutPolicy decides the verdict when a gater or moderator
	// exceeds its timeout: "deny" or "allow_with_flag".
	TimeoutPolicy  string   `toml:"timeout_policy"`
	MentionTargets []string `toml:"mention_targets"`
}

// OutboundConfig tunes the partitioned outbound gateway.
type OutboundConfig struct {
	Parallelism         int      `toml:"parallelism"`
	PartitionCount      int      `toml:"partition_count"`
	QueueCapacity       int      `toml:"queue_capacity"`
	WarnRatio           float64  `toml:"warn_ratio"`
	DegradedRatio       float64  `toml:"degraded_ratio"`
	ShedRatio           float64  `toml:"shed_ratio"`
	DegradedAction      string   `toml:"degraded_action"`
	Throttle            Duration `toml:"throttle"`
	ShedDropPriorities  []string `toml:"shed_drop_priorities"`
	MaxAttempts         int      `toml:"max_attempts"`
	BaseBackoff         Duration `toml:"base_backoff"`
	MaxBackoff          Duration `toml:"max_backoff"`
	AdapterTimeout      Duration `toml:"adapter_timeout"`
	IdempotencyCacheCap int      `toml:"idempotency_cache_cap"`
	IdempotencyTTL      Duration `toml:"idempotency_ttl"`
}

type ReplayConfig struct {
	Partitions int `toml:"partitions"`
}

type RoomConfig struct {
	RingSize  int `toml:"ring_size"`
	InboxSize int `toml:"inbox_size"`
}

type SignalConfig struct {
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

type ShutdownConfig struct {
	DrainDeadline Duration `toml:"drain_deadline"`
}

// Duration is a time.Duration that unmarshals from TOML strings like "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the configuration file at path (or DefaultConfigPath when
// empty). A missing file yields defaults rather than an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ApplyDefaults(cfg), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return ApplyDefaults(cfg), nil
}

// ApplyDefaults replaces zero values with the documented defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Ingest.DedupeTTL <= 0 {
		cfg.Ingest.DedupeTTL = Duration(DefaultDedupeTTL)
	}
	if cfg.Ingest.DedupeMaxEntries <= 0 {
		cfg.Ingest.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if cfg.Ingest.GaterTimeout <= 0 {
		cfg.Ingest.GaterTimeout = Duration(DefaultGaterTimeout)
	}
	if cfg.Ingest.CommandMaxTextBytes <= 0 {
		cfg.Ingest.CommandMaxTextBytes = DefaultCommandMaxTextBytes
	}
	if cfg.Ingest.CommandPrefix == "" {
		cfg.Ingest.CommandPrefix = DefaultCommandPrefix
	}
	if cfg.Ingest.TimeoutPolicy == "" {
		cfg.Ingest.TimeoutPolicy = "deny"
	}
	if cfg.Outbound.Parallelism <= 0 {
		cfg.Outbound.Parallelism = DefaultOutboundParallelism
	}
	if cfg.Outbound.PartitionCount <= 0 {
		cfg.Outbound.PartitionCount = 2 * cfg.Outbound.Parallelism
	}
	if cfg.Outbound.QueueCapacity <= 0 {
		cfg.Outbound.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Outbound.WarnRatio <= 0 {
		cfg.Outbound.WarnRatio = DefaultWarnRatio
	}
	if cfg.Outbound.DegradedRatio <= 0 {
		cfg.Outbound.DegradedRatio = DefaultDegradedRatio
	}
	if cfg.Outbound.ShedRatio <= 0 {
		cfg.Outbound.ShedRatio = DefaultShedRatio
	}
	if cfg.Outbound.DegradedAction == "" {
		cfg.Outbound.DegradedAction = "throttle"
	}
	if cfg.Outbound.Throttle <= 0 {
		cfg.Outbound.Throttle = Duration(DefaultThrottle)
	}
	if len(cfg.Outbound.ShedDropPriorities) == 0 {
		cfg.Outbound.ShedDropPriorities = []string{"low"}
	}
	if cfg.Outbound.MaxAttempts <= 0 {
		cfg.Outbound.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Outbound.BaseBackoff <= 0 {
		cfg.Outbound.BaseBackoff = Duration(DefaultBaseBackoff)
	}
	if cfg.Outbound.MaxBackoff <= 0 {
		cfg.Outbound.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if cfg.Outbound.AdapterTimeout <= 0 {
		cfg.Outbound.AdapterTimeout = Duration(DefaultAdapterTimeout)
	}
	if cfg.Outbound.IdempotencyCacheCap <= 0 {
		cfg.Outbound.IdempotencyCacheCap = DefaultIdempotencyCacheCap
	}
	if cfg.Outbound.IdempotencyTTL <= 0 {
		cfg.Outbound.IdempotencyTTL = Duration(DefaultIdempotencyTTL)
	}
	if cfg.Replay.Partitions <= 0 {
		cfg.Replay.Partitions = DefaultReplayPartitions
	}
	if cfg.Room.RingSize <= 0 {
		cfg.Room.RingSize = DefaultRoomRingSize
	}
	if cfg.Room.InboxSize <= 0 {
		cfg.Room.InboxSize = DefaultRoomInboxSize
	}
	if cfg.Signal.SubscriberBuffer <= 0 {
		cfg.Signal.SubscriberBuffer = DefaultSignalBuffer
	}
	if cfg.Shutdown.DrainDeadline <= 0 {
		cfg.Shutdown.DrainDeadline = Duration(DefaultDrainDeadline)
	}
	return cfg
}

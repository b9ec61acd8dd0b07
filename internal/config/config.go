package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the matching engine.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Event pipeline.
	ShardCount    int `yaml:"shard_count"`
	QueueCapacity int `yaml:"queue_capacity"`

	// Persistence.
	WALDir           string        `yaml:"wal_dir"`
	SnapshotDir      string        `yaml:"snapshot_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotSize     int           `yaml:"snapshot_size"`
	WALSyncInterval  time.Duration `yaml:"wal_sync_interval"`

	// Market data.
	FlushInterval      time.Duration `yaml:"flush_interval"`
	DepthLevels        int           `yaml:"depth_levels"`
	DepthQueueCapacity int           `yaml:"depth_queue_capacity"`
	FlushOnBatchEnd    bool          `yaml:"flush_on_batch_end"`

	FiveLevelProtection bool `yaml:"five_level_protection"`

	// Optional downstream integrations. Empty disables them.
	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaTradeTopic string   `yaml:"kafka_trade_topic"`
	RedisAddr       string   `yaml:"redis_addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:                8080,
		LogLevel:            "info",
		ShardCount:          16,
		QueueCapacity:       4096,
		WALDir:              "data/wal",
		SnapshotDir:         "data/snapshots",
		SnapshotInterval:    10 * time.Second,
		SnapshotSize:        64 << 20,
		WALSyncInterval:     0,
		FlushInterval:       50 * time.Millisecond,
		DepthLevels:         20,
		DepthQueueCapacity:  65536,
		FlushOnBatchEnd:     false,
		FiveLevelProtection: true,
		KafkaTradeTopic:     "trades",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         60 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables. It returns an error for
// any invalid value.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays values from a YAML file. Environment references in the
// file are expanded before parsing.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	raw = []byte(os.ExpandEnv(string(raw)))
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Port, err = getInt("PORT", c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}
	c.LogLevel = getStr("LOG_LEVEL", c.LogLevel)

	if c.ShardCount, err = getInt("SHARD_COUNT", c.ShardCount); err != nil {
		return fmt.Errorf("invalid SHARD_COUNT: %w", err)
	}
	if c.QueueCapacity, err = getInt("QUEUE_CAPACITY", c.QueueCapacity); err != nil {
		return fmt.Errorf("invalid QUEUE_CAPACITY: %w", err)
	}

	c.WALDir = getStr("WAL_DIR", c.WALDir)
	c.SnapshotDir = getStr("SNAPSHOT_DIR", c.SnapshotDir)
	if c.SnapshotInterval, err = getDuration("SNAPSHOT_INTERVAL", c.SnapshotInterval); err != nil {
		return fmt.Errorf("invalid SNAPSHOT_INTERVAL: %w", err)
	}
	if c.SnapshotSize, err = getInt("SNAPSHOT_SIZE", c.SnapshotSize); err != nil {
		return fmt.Errorf("invalid SNAPSHOT_SIZE: %w", err)
	}
	if c.WALSyncInterval, err = getDuration("WAL_SYNC_INTERVAL", c.WALSyncInterval); err != nil {
		return fmt.Errorf("invalid WAL_SYNC_INTERVAL: %w", err)
	}

	if c.FlushInterval, err = getDuration("FLUSH_INTERVAL", c.FlushInterval); err != nil {
		return fmt.Errorf("invalid FLUSH_INTERVAL: %w", err)
	}
	if c.DepthLevels, err = getInt("DEPTH_LEVELS", c.DepthLevels); err != nil {
		return fmt.Errorf("invalid DEPTH_LEVELS: %w", err)
	}
	if c.DepthQueueCapacity, err = getInt("DEPTH_QUEUE_CAPACITY", c.DepthQueueCapacity); err != nil {
		return fmt.Errorf("invalid DEPTH_QUEUE_CAPACITY: %w", err)
	}
	if c.FlushOnBatchEnd, err = getBool("FLUSH_ON_BATCH_END", c.FlushOnBatchEnd); err != nil {
		return fmt.Errorf("invalid FLUSH_ON_BATCH_END: %w", err)
	}
	if c.FiveLevelProtection, err = getBool("FIVE_LEVEL_PROTECTION", c.FiveLevelProtection); err != nil {
		return fmt.Errorf("invalid FIVE_LEVEL_PROTECTION: %w", err)
	}

	c.KafkaBrokers = getList("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTradeTopic = getStr("KAFKA_TRADE_TOPIC", c.KafkaTradeTopic)
	c.RedisAddr = getStr("REDIS_ADDR", c.RedisAddr)

	if c.ReadTimeout, err = getDuration("READ_TIMEOUT", c.ReadTimeout); err != nil {
		return fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	if c.WriteTimeout, err = getDuration("WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	if c.IdleTimeout, err = getDuration("IDLE_TIMEOUT", c.IdleTimeout); err != nil {
		return fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	if c.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

// Validate checks value ranges after all sources have been applied.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d out of range", c.Port)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("invalid SHARD_COUNT: %d, must be positive", c.ShardCount)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("invalid QUEUE_CAPACITY: %d, must be positive", c.QueueCapacity)
	}
	if c.WALDir == "" || c.SnapshotDir == "" {
		return fmt.Errorf("invalid WAL_DIR/SNAPSHOT_DIR: must not be empty")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("invalid SNAPSHOT_INTERVAL: %v, must be positive", c.SnapshotInterval)
	}
	if c.SnapshotSize < 4096 {
		return fmt.Errorf("invalid SNAPSHOT_SIZE: %d, must be at least 4096", c.SnapshotSize)
	}
	if c.WALSyncInterval < 0 {
		return fmt.Errorf("invalid WAL_SYNC_INTERVAL: %v, must not be negative", c.WALSyncInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("invalid FLUSH_INTERVAL: %v, must be positive", c.FlushInterval)
	}
	if c.DepthLevels < 1 {
		return fmt.Errorf("invalid DEPTH_LEVELS: %d, must be positive", c.DepthLevels)
	}
	if c.DepthQueueCapacity < 1 {
		return fmt.Errorf("invalid DEPTH_QUEUE_CAPACITY: %d, must be positive", c.DepthQueueCapacity)
	}
	return nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated value, dropping empty items.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

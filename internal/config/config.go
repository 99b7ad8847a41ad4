package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LocalhostSDKKey switches the SDK to localhost mode.
const LocalhostSDKKey = "localhost"

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Localhost LocalhostConfig `mapstructure:"localhost"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type APIConfig struct {
	SDKKey        string `mapstructure:"sdk_key"`
	SDKURL        string `mapstructure:"sdk_url"`
	AuthURL       string `mapstructure:"auth_url"`
	StreamingURL  string `mapstructure:"streaming_url"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

type SyncConfig struct {
	UserKey              string `mapstructure:"user_key"`
	FeaturesRefreshSec   int    `mapstructure:"features_refresh_sec"`
	SegmentsRefreshSec   int    `mapstructure:"segments_refresh_sec"`
	StreamingEnabled     bool   `mapstructure:"streaming_enabled"`
	ReconnectBaseSec     int    `mapstructure:"reconnect_base_sec"`
	ReconnectMaxSec      int    `mapstructure:"reconnect_max_sec"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	RetryBaseSec         int    `mapstructure:"retry_base_sec"`
	RetryMaxSec          int    `mapstructure:"retry_max_sec"`
	ReadyTimeoutSec      int    `mapstructure:"ready_timeout_sec"`
}

type StorageConfig struct {
	CacheDir string `mapstructure:"cache_dir"`
}

type LocalhostConfig struct {
	File       string `mapstructure:"file"`
	RefreshSec int    `mapstructure:"refresh_sec"`
}

type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("api.sdk_url", "https://sdk.split.io/api")
	v.SetDefault("api.auth_url", "https://auth.split.io/api/v2")
	v.SetDefault("api.streaming_url", "https://streaming.split.io/sse")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.rate_per_second", 10)
	v.SetDefault("sync.features_refresh_sec", 3600)
	v.SetDefault("sync.segments_refresh_sec", 1800)
	v.SetDefault("sync.streaming_enabled", true)
	v.SetDefault("sync.reconnect_base_sec", 1)
	v.SetDefault("sync.reconnect_max_sec", 1800)
	v.SetDefault("sync.max_reconnect_attempts", 10)
	v.SetDefault("sync.retry_base_sec", 1)
	v.SetDefault("sync.retry_max_sec", 1800)
	v.SetDefault("sync.ready_timeout_sec", 0)
	v.SetDefault("storage.cache_dir", "")
	v.SetDefault("localhost.file", "")
	v.SetDefault("localhost.refresh_sec", 10)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("FLAGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind the keys most often set from the environment
	_ = v.BindEnv("api.sdk_key", "FLAGSYNC_SDK_KEY")
	_ = v.BindEnv("sync.user_key", "FLAGSYNC_USER_KEY")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("flagsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// IsLocalhost reports whether flags come from a local file instead of the
// network.
func (c *Config) IsLocalhost() bool {
	return c.API.SDKKey == LocalhostSDKKey || c.Localhost.File != ""
}

func (a APIConfig) Timeout() time.Duration {
	return seconds(a.TimeoutSec)
}

func (s SyncConfig) FeaturesRefresh() time.Duration { return seconds(s.FeaturesRefreshSec) }
func (s SyncConfig) SegmentsRefresh() time.Duration { return seconds(s.SegmentsRefreshSec) }
func (s SyncConfig) ReconnectBase() time.Duration   { return seconds(s.ReconnectBaseSec) }
func (s SyncConfig) ReconnectMax() time.Duration    { return seconds(s.ReconnectMaxSec) }
func (s SyncConfig) RetryBase() time.Duration       { return seconds(s.RetryBaseSec) }
func (s SyncConfig) RetryMax() time.Duration        { return seconds(s.RetryMaxSec) }
func (s SyncConfig) ReadyTimeout() time.Duration    { return seconds(s.ReadyTimeoutSec) }

func (l LocalhostConfig) Refresh() time.Duration {
	return seconds(l.RefreshSec)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ValidationErrors collects every problem found in a Config.
type ValidationErrors struct {
	Problems []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s\n", p))
	}
	return sb.String()
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.IsLocalhost() {
		if c.Localhost.File == "" {
			errs.add("localhost.file is required in localhost mode")
		}
		positive(errs, "localhost.refresh_sec", c.Localhost.RefreshSec)
	} else {
		if c.API.SDKKey == "" {
			errs.add("api.sdk_key is required (set FLAGSYNC_SDK_KEY env var)")
		}
		if c.Sync.UserKey == "" {
			errs.add("sync.user_key is required (set FLAGSYNC_USER_KEY env var)")
		}
		validURL(errs, "api.sdk_url", c.API.SDKURL)
		validURL(errs, "api.auth_url", c.API.AuthURL)
		validURL(errs, "api.streaming_url", c.API.StreamingURL)
		positive(errs, "api.timeout_sec", c.API.TimeoutSec)
		positive(errs, "api.rate_per_second", c.API.RatePerSecond)
		positive(errs, "sync.features_refresh_sec", c.Sync.FeaturesRefreshSec)
		positive(errs, "sync.segments_refresh_sec", c.Sync.SegmentsRefreshSec)
		positive(errs, "sync.reconnect_base_sec", c.Sync.ReconnectBaseSec)
		positive(errs, "sync.retry_base_sec", c.Sync.RetryBaseSec)
		if c.Sync.ReconnectMaxSec < c.Sync.ReconnectBaseSec {
			errs.add("sync.reconnect_max_sec must be >= sync.reconnect_base_sec")
		}
		if c.Sync.RetryMaxSec < c.Sync.RetryBaseSec {
			errs.add("sync.retry_max_sec must be >= sync.retry_base_sec")
		}
		if c.Sync.MaxReconnectAttempts < 0 {
			errs.add("sync.max_reconnect_attempts must be >= 0")
		}
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		errs.add("relay.addr is required when the relay is enabled")
	}
	if !validLogLevels[c.Logging.Level] {
		errs.add("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func positive(errs *ValidationErrors, key string, v int) {
	if v < 1 {
		errs.add("%s must be >= 1", key)
	}
}

func validURL(errs *ValidationErrors, key, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs.add("%s %q is not an absolute URL", key, raw)
	}
}

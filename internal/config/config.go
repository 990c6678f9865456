// Package config provides configuration management for api-replay.
// It loads runtime settings from environment variables with documented
// defaults and validates them before a run starts.
//
// Environment Variables:
//
// Descriptors and secrets:
//   - API_CONFIG: Path of the API descriptor file, YAML or TOML (default: api_config.yaml)
//   - UNMASK_ENCRYPTION_KEY: Key used to decrypt ENC: values (default: unset, ENC: values fail)
//   - UNMASK_STRICT: Fail on values that cannot be unmasked instead of using "" (default: false)
//
// Token lifecycle:
//   - TOKEN_REFRESH_BUFFER: Time subtracted from every token TTL (default: 60s)
//   - TOKEN_REFRESH_DEFAULT_TTL: TTL of a refreshed token without expires_in (default: 120s)
//   - TOKEN_REFRESH_TIMEOUT: Upper bound for one login call (default: 30s)
//   - AUTH_RESPONSE_DEFAULT_TTL: TTL of a token stored from a login API response (default: 300s)
//   - ACCESS_TOKEN_NAME: Token refreshed through the login API (default: access_token)
//   - ASSERTION_TOKEN_NAME: Token holding the signed client assertion (default: client_assertion)
//   - ASSERTION_VALIDITY: Lifetime of a client assertion (default: 600s)
//
// Transport:
//   - HTTP_TIMEOUT: Timeout of a single request (default: 30s)
//   - HTTP_INSECURE_SKIP_VERIFY: Skip server certificate verification (default: false)
//   - HTTP_MAX_IDLE_CONNS: Idle connections kept across all hosts (default: 100)
//   - HTTP_MAX_IDLE_CONNS_PER_HOST: Idle connections kept per host (default: 10)
//   - HTTP_DISABLE_KEEPALIVES: Open a new connection for every request (default: false)
//   - BREAKER_MAX_FAILURES: Consecutive transport failures that open a host's breaker, 0 disables it (default: 5)
//   - BREAKER_TIMEOUT: How long an open breaker rejects requests (default: 30s)
//
// Load profile:
//   - VIRTUAL_USERS: Concurrent sessions (default: 1)
//   - ITERATIONS: Action phase repetitions per virtual user (default: 1)
//
// Logging:
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Rotating log file (default: api-replay.log)
//   - LOG_STDOUT: Mirror log entries to stdout (default: true)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Fields correspond to the environment
// variables listed in the package documentation.
type Config struct {
	// Descriptors and secrets
	DescriptorFile string
	EncryptionKey  string
	StrictUnmask   bool

	// Token lifecycle
	RefreshBuffer          time.Duration
	RefreshDefaultTTL      time.Duration
	RefreshTimeout         time.Duration
	AuthResponseDefaultTTL time.Duration
	AccessTokenName        string
	AssertionTokenName     string
	AssertionValidity      time.Duration

	// Transport
	HTTPTimeout         time.Duration
	InsecureSkipVerify  bool
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	DisableKeepAlives   bool
	// BreakerMaxFailures of zero turns the per-host circuit breaker off
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	// Load profile
	VirtualUsers int
	Iterations   int

	// Logging
	LogLevel  string
	LogFile   string
	LogStdout bool
}

// Load creates a new Config with values read from environment variables.
// It does not validate; call Validate on the result.
func Load() *Config {
	return &Config{
		DescriptorFile: getEnv("API_CONFIG", "api_config.yaml"),
		EncryptionKey:  getEnv("UNMASK_ENCRYPTION_KEY", ""),
		StrictUnmask:   getBoolEnv("UNMASK_STRICT", false),

		RefreshBuffer:          getDurationEnv("TOKEN_REFRESH_BUFFER", 60*time.Second),
		RefreshDefaultTTL:      getDurationEnv("TOKEN_REFRESH_DEFAULT_TTL", 120*time.Second),
		RefreshTimeout:         getDurationEnv("TOKEN_REFRESH_TIMEOUT", 30*time.Second),
		AuthResponseDefaultTTL: getDurationEnv("AUTH_RESPONSE_DEFAULT_TTL", 300*time.Second),
		AccessTokenName:        getEnv("ACCESS_TOKEN_NAME", "access_token"),
		AssertionTokenName:     getEnv("ASSERTION_TOKEN_NAME", "client_assertion"),
		AssertionValidity:      getDurationEnv("ASSERTION_VALIDITY", 600*time.Second),

		HTTPTimeout:         getDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		InsecureSkipVerify:  getBoolEnv("HTTP_INSECURE_SKIP_VERIFY", false),
		MaxIdleConns:        getIntEnv("HTTP_MAX_IDLE_CONNS", 100),
		MaxIdleConnsPerHost: getIntEnv("HTTP_MAX_IDLE_CONNS_PER_HOST", 10),
		DisableKeepAlives:   getBoolEnv("HTTP_DISABLE_KEEPALIVES", false),
		BreakerMaxFailures:  getIntEnv("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:      getDurationEnv("BREAKER_TIMEOUT", 30*time.Second),

		VirtualUsers: getIntEnv("VIRTUAL_USERS", 1),
		Iterations:   getIntEnv("ITERATIONS", 1),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", "api-replay.log"),
		LogStdout: getBoolEnv("LOG_STDOUT", true),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a default value.
// Values strconv.ParseBool rejects fall back to the default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable value or returns a default value.
// Both Go durations ("90s", "2m") and plain seconds ("90") are accepted.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// Validate checks that every setting is usable before a run starts.
//
// This method checks:
//   - Required fields (API_CONFIG, token names)
//   - Ranges (positive timeouts, at least one virtual user and iteration)
//   - Cross-field constraints (the refresh buffer must be shorter than the TTLs it is subtracted from)
func (c *Config) Validate() error {
	if c.DescriptorFile == "" {
		return fmt.Errorf("API_CONFIG must name the API descriptor file")
	}

	if c.AccessTokenName == "" {
		return fmt.Errorf("ACCESS_TOKEN_NAME must not be empty")
	}
	if c.AssertionTokenName == "" {
		return fmt.Errorf("ASSERTION_TOKEN_NAME must not be empty")
	}
	if c.AccessTokenName == c.AssertionTokenName {
		return fmt.Errorf("ACCESS_TOKEN_NAME and ASSERTION_TOKEN_NAME must differ")
	}

	if c.RefreshBuffer < 0 {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"TOKEN_REFRESH_DEFAULT_TTL": c.RefreshDefaultTTL,
		"TOKEN_REFRESH_TIMEOUT":     c.RefreshTimeout,
		"AUTH_RESPONSE_DEFAULT_TTL": c.AuthResponseDefaultTTL,
		"ASSERTION_VALIDITY":        c.AssertionValidity,
		"HTTP_TIMEOUT":              c.HTTPTimeout,
		"BREAKER_TIMEOUT":           c.BreakerTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}

	if c.RefreshBuffer >= c.RefreshDefaultTTL {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must be shorter than TOKEN_REFRESH_DEFAULT_TTL")
	}
	if c.RefreshBuffer >= c.AuthResponseDefaultTTL {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must be shorter than AUTH_RESPONSE_DEFAULT_TTL")
	}

	if c.MaxIdleConns < 0 || c.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("HTTP_MAX_IDLE_CONNS and HTTP_MAX_IDLE_CONNS_PER_HOST must not be negative")
	}
	if c.BreakerMaxFailures < 0 {
		return fmt.Errorf("BREAKER_MAX_FAILURES must not be negative")
	}
	if c.VirtualUsers < 1 {
		return fmt.Errorf("VIRTUAL_USERS must be a positive number")
	}
	if c.Iterations < 1 {
		return fmt.Errorf("ITERATIONS must be a positive number")
	}

	return nil
}

// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxTabs         = 500
	maxMaxMemoryMB     = 16384
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000 // Maximum requests per minute per IP
	minAPIKeyLength    = 16
	maxWebhookRetries  = 10
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	BrowserPath      string
	StealthEnabled   bool
	BlockMedia       bool
	IgnoreCertErrors bool

	// Pool settings
	BrowserPoolSize    int
	BrowserPoolTimeout time.Duration
	BrowserMaxAge      time.Duration // Browsers older than this are recycled when idle
	MaxMemoryMB        int

	// Tab settings
	MaxTabs            int
	TabIdleTTL         time.Duration
	TabCleanupInterval time.Duration
	NavigationTimeout  time.Duration
	AllowLocalTargets  bool // Allow localhost/private targets for TAB_OPEN and inspect

	// Detection and coordination
	DebounceWindow       time.Duration
	WhitelistSettleDelay time.Duration
	StateRetention       time.Duration
	StateSweepInterval   time.Duration

	// Request timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Patterns
	PatternsPath      string // External patterns.yaml merged over the embedded defaults
	PatternsHotReload bool

	// Settings persistence; empty means $XDG_DATA_HOME/copyguard/copyguard.db
	SettingsDBPath string

	// Notifications
	WebhookURL      string
	WebhookTimeout  time.Duration
	WebhookHeaders  []string // "Name=Value" pairs
	WebhookRetryMax int

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = allow all with warning)

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Localhost by default; set HOST=0.0.0.0 to expose the API.
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8390),

		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		StealthEnabled:   getEnvBool("STEALTH_ENABLED", true),
		BlockMedia:       getEnvBool("BLOCK_MEDIA", false),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		BrowserMaxAge:      getEnvDuration("BROWSER_MAX_AGE", 30*time.Minute),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),

		MaxTabs:            getEnvInt("MAX_TABS", 20),
		TabIdleTTL:         getEnvDuration("TAB_IDLE_TTL", 15*time.Minute),
		TabCleanupInterval: getEnvDuration("TAB_CLEANUP_INTERVAL", 1*time.Minute),
		NavigationTimeout:  getEnvDuration("NAVIGATION_TIMEOUT", 30*time.Second),
		AllowLocalTargets:  getEnvBool("ALLOW_LOCAL_TARGETS", false),

		DebounceWindow:       getEnvDuration("DEBOUNCE_WINDOW", 500*time.Millisecond),
		WhitelistSettleDelay: getEnvDuration("WHITELIST_SETTLE_DELAY", 500*time.Millisecond),
		StateRetention:       getEnvDuration("STATE_RETENTION", 7*24*time.Hour),
		StateSweepInterval:   getEnvDuration("STATE_SWEEP_INTERVAL", time.Hour),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		PatternsPath:      getEnvString("PATTERNS_PATH", ""),
		PatternsHotReload: getEnvBool("PATTERNS_HOT_RELOAD", false),

		SettingsDBPath: getEnvString("SETTINGS_DB_PATH", ""),

		WebhookURL:      getEnvString("WEBHOOK_URL", ""),
		WebhookTimeout:  getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookHeaders:  getEnvStringSlice("WEBHOOK_HEADERS", nil),
		WebhookRetryMax: getEnvInt("WEBHOOK_RETRY_MAX", 3),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9390),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// WebhookHeaderMap parses WebhookHeaders into a header map. Malformed pairs are skipped.
func (c *Config) WebhookHeaderMap() map[string]string {
	if len(c.WebhookHeaders) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.WebhookHeaders))
	for _, pair := range c.WebhookHeaders {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			log.Warn().Str("pair", pair).Msg("Ignoring malformed WEBHOOK_HEADERS entry")
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8390")
		c.Port = 8390
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !isAbsPath(c.BrowserPath) {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("Invalid pool size, using default 2")
		c.BrowserPoolSize = 2
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().
			Int("size", c.BrowserPoolSize).
			Int("max", maxBrowserPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("Memory limit too low, using default 2048")
		c.MaxMemoryMB = 2048
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().
			Int("mb", c.MaxMemoryMB).
			Int("max", maxMaxMemoryMB).
			Msg("Memory limit too high, capping to maximum")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	// MaxTimeout first so DefaultTimeout can be clamped against it.
	clampDuration("MAX_TIMEOUT", &c.MaxTimeout, time.Second, maxTimeout)
	clampDuration("DEFAULT_TIMEOUT", &c.DefaultTimeout, time.Second, c.MaxTimeout)

	if c.MaxTabs < 1 {
		log.Warn().Int("max", c.MaxTabs).Msg("Invalid max tabs, using 20")
		c.MaxTabs = 20
	} else if c.MaxTabs > maxMaxTabs {
		log.Warn().
			Int("tabs", c.MaxTabs).
			Int("max", maxMaxTabs).
			Msg("Max tabs too high, capping to maximum")
		c.MaxTabs = maxMaxTabs
	}
	if c.MaxTabs < c.BrowserPoolSize {
		log.Info().
			Int("max_tabs", c.MaxTabs).
			Int("pool_size", c.BrowserPoolSize).
			Msg("MAX_TABS is below BROWSER_POOL_SIZE; some browsers will stay idle")
	}

	clampDuration("TAB_IDLE_TTL", &c.TabIdleTTL, time.Minute, 24*time.Hour)
	clampDuration("TAB_CLEANUP_INTERVAL", &c.TabCleanupInterval, 10*time.Second, time.Hour)
	if c.TabCleanupInterval >= c.TabIdleTTL {
		log.Warn().
			Dur("cleanup_interval", c.TabCleanupInterval).
			Dur("ttl", c.TabIdleTTL).
			Msg("TAB_CLEANUP_INTERVAL should be less than TAB_IDLE_TTL for timely cleanup")
	}
	clampDuration("NAVIGATION_TIMEOUT", &c.NavigationTimeout, time.Second, maxTimeout)
	clampDuration("BROWSER_POOL_TIMEOUT", &c.BrowserPoolTimeout, time.Second, 5*time.Minute)
	clampDuration("BROWSER_MAX_AGE", &c.BrowserMaxAge, 5*time.Minute, 24*time.Hour)

	clampDuration("DEBOUNCE_WINDOW", &c.DebounceWindow, 50*time.Millisecond, 10*time.Second)
	clampDuration("WHITELIST_SETTLE_DELAY", &c.WhitelistSettleDelay, 0, 10*time.Second)
	clampDuration("STATE_RETENTION", &c.StateRetention, time.Hour, 90*24*time.Hour)
	clampDuration("STATE_SWEEP_INTERVAL", &c.StateSweepInterval, time.Minute, 24*time.Hour)

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	if c.IgnoreCertErrors {
		log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled - inspected pages are exposed to MITM attacks")
	}
	if c.AllowLocalTargets {
		log.Warn().Msg("ALLOW_LOCAL_TARGETS enabled - tabs may reach private network addresses")
	}

	c.validatePorts()
	c.validatePatternsPath()
	c.validateWebhook()
	c.validateAPIKey()
}

func (c *Config) validatePorts() {
	used := make(map[int]string)
	if c.Port > 0 {
		used[c.Port] = "PORT"
	}
	if c.PrometheusEnabled {
		if other, exists := used[c.PrometheusPort]; exists {
			log.Error().
				Int("port", c.PrometheusPort).
				Str("conflicts_with", other).
				Msg("PROMETHEUS_PORT conflicts with another port, using next free port")
			for used[c.PrometheusPort] != "" {
				c.PrometheusPort++
			}
		}
		used[c.PrometheusPort] = "PROMETHEUS_PORT"
	}
	if c.PProfEnabled {
		if other, exists := used[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", other).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			for used[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}
}

func (c *Config) validatePatternsPath() {
	if c.PatternsPath != "" {
		if strings.Contains(c.PatternsPath, "..") {
			log.Error().
				Str("path", c.PatternsPath).
				Msg("PatternsPath contains path traversal sequence (..), ignoring")
			c.PatternsPath = ""
		} else {
			if !isAbsPath(c.PatternsPath) {
				log.Warn().Str("path", c.PatternsPath).Msg("PatternsPath should be an absolute path")
			}
			if c.PatternsHotReload {
				if _, err := os.Stat(c.PatternsPath); os.IsNotExist(err) {
					log.Warn().
						Str("path", c.PatternsPath).
						Msg("PatternsPath does not exist - hot-reload will watch for file creation")
				}
			}
		}
	}
	if c.PatternsHotReload && c.PatternsPath == "" {
		log.Warn().Msg("PATTERNS_HOT_RELOAD enabled but PATTERNS_PATH not set - hot-reload disabled")
		c.PatternsHotReload = false
	}
}

func (c *Config) validateWebhook() {
	if c.WebhookURL == "" {
		return
	}
	lower := strings.ToLower(c.WebhookURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		log.Error().Msg("WEBHOOK_URL must be an http or https URL, disabling webhook notifications")
		c.WebhookURL = ""
		return
	}
	clampDuration("WEBHOOK_TIMEOUT", &c.WebhookTimeout, time.Second, time.Minute)
	if c.WebhookRetryMax < 0 {
		c.WebhookRetryMax = 0
	} else if c.WebhookRetryMax > maxWebhookRetries {
		log.Warn().
			Int("retries", c.WebhookRetryMax).
			Int("max", maxWebhookRetries).
			Msg("WEBHOOK_RETRY_MAX too high, capping to maximum")
		c.WebhookRetryMax = maxWebhookRetries
	}
}

func (c *Config) validateAPIKey() {
	if !c.APIKeyEnabled {
		return
	}
	const maxAPIKeyLength = 256
	switch {
	case c.APIKey == "":
		log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
	case len(c.APIKey) < minAPIKeyLength:
		log.Error().
			Int("length", len(c.APIKey)).
			Int("min_required", minAPIKeyLength).
			Msg("API_KEY is too short for secure authentication - consider using a longer key")
	case len(c.APIKey) > maxAPIKeyLength:
		log.Error().
			Int("length", len(c.APIKey)).
			Int("max", maxAPIKeyLength).
			Msg("API_KEY is too long")
	}
}

// clampDuration keeps *v within [lo, hi], logging the correction.
func clampDuration(name string, v *time.Duration, lo, hi time.Duration) {
	switch {
	case *v < lo:
		log.Warn().Str("key", name).Dur("value", *v).Dur("min", lo).Msg("Duration too short, using minimum")
		*v = lo
	case *v > hi:
		log.Warn().Str("key", name).Dur("value", *v).Dur("max", hi).Msg("Duration too long, using maximum")
		*v = hi
	}
}

func isAbsPath(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, "C:") || strings.HasPrefix(p, "c:")
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return int(n)
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	if d < 0 {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Duration must not be negative, using default")
		return defaultValue
	}
	return d
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

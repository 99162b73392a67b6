package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	BackendAPIKey  string
	BackendURL     string
	BackendTimeout time.Duration

	IPGeoURL       string
	IPGeoTimeout   time.Duration
	RevGeoURL      string
	RevGeoTimeout  time.Duration
	DeviceAgentURL string

	RequestTimeout time.Duration

	StoreBackend          string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	EntityCacheTTL time.Duration
	WarmOnStart    bool
	WarmInterval   time.Duration

	SyncCooldown           time.Duration
	SyncInterval           time.Duration
	SyncMovementThresholdM float64
	AutoSyncEnabled        bool

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Backend struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"backend"`

	Geolocation struct {
		IPGeoURL       string `yaml:"ip_geo_url"`
		IPGeoTimeout   string `yaml:"ip_geo_timeout"`
		RevGeoURL      string `yaml:"rev_geo_url"`
		RevGeoTimeout  string `yaml:"rev_geo_timeout"`
		DeviceAgentURL string `yaml:"device_agent_url"`
	} `yaml:"geolocation"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Cache struct {
		TTL          string `yaml:"ttl"`
		WarmOnStart  *bool  `yaml:"warm_on_start"`
		WarmInterval string `yaml:"warm_interval"`
	} `yaml:"cache"`

	Sync struct {
		Cooldown           string  `yaml:"cooldown"`
		Interval           string  `yaml:"interval"`
		MovementThresholdM float64 `yaml:"movement_threshold_m"`
		AutoStart          *bool   `yaml:"auto_start"`
	} `yaml:"sync"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), with
// env variables taking precedence. A .env file in the working directory is
// loaded first when present. The backend API key comes from BACKEND_API_KEY.
// Call from project root.
func Load() (*Config, error) {
	// Optional .env for local development; real env vars win.
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.BackendAPIKey = os.Getenv("BACKEND_API_KEY")
	if cfg.BackendAPIKey == "" {
		return nil, fmt.Errorf("BACKEND_API_KEY required (set env or .env)")
	}

	cfg.BackendURL = strings.TrimSpace(os.Getenv("BACKEND_URL"))
	if cfg.BackendURL == "" {
		cfg.BackendURL = fc.Backend.URL
	}
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("backend.url required")
	}
	cfg.BackendTimeout = parseDurationOrZero(fc.Backend.Timeout, 5*time.Second)

	cfg.IPGeoURL = fc.Geolocation.IPGeoURL
	if cfg.IPGeoURL == "" {
		cfg.IPGeoURL = "http://ip-api.com/json"
	}
	cfg.IPGeoTimeout = parseDuration(fc.Geolocation.IPGeoTimeout, 3*time.Second)
	cfg.RevGeoURL = fc.Geolocation.RevGeoURL
	if cfg.RevGeoURL == "" {
		cfg.RevGeoURL = "https://nominatim.openstreetmap.org/reverse"
	}
	cfg.RevGeoTimeout = parseDuration(fc.Geolocation.RevGeoTimeout, 5*time.Second)
	cfg.DeviceAgentURL = fc.Geolocation.DeviceAgentURL

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.StoreBackend = strings.TrimSpace(strings.ToLower(os.Getenv("STORE_BACKEND")))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = strings.TrimSpace(strings.ToLower(fc.Store.Backend))
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Store.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.EntityCacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.WarmOnStart = true
	if fc.Cache.WarmOnStart != nil {
		cfg.WarmOnStart = *fc.Cache.WarmOnStart
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.SyncCooldown = parseDuration(fc.Sync.Cooldown, 30*time.Minute)
	cfg.SyncInterval = parseDuration(fc.Sync.Interval, 30*time.Minute)
	cfg.SyncMovementThresholdM = fc.Sync.MovementThresholdM
	if cfg.SyncMovementThresholdM <= 0 {
		cfg.SyncMovementThresholdM = 500
	}
	cfg.AutoSyncEnabled = true
	if fc.Sync.AutoStart != nil {
		cfg.AutoSyncEnabled = *fc.Sync.AutoStart
	}
	if v := os.Getenv("AUTO_SYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoSyncEnabled = b
		}
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures BackendTimeout is positive, RequestTimeout leaves room for a full
// retry cycle, and StoreBackend is a valid value. Auto-adjusts RequestTimeout
// if needed.
func validate(cfg *Config) error {
	if cfg.BackendTimeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.BackendTimeout {
		cfg.RequestTimeout = cfg.BackendTimeout + time.Second
	}
	switch cfg.StoreBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("store.backend must be in_memory or memcached, got %q", cfg.StoreBackend)
	}
	if cfg.SyncInterval < cfg.SyncCooldown {
		// A tick inside the cooldown always skips; align the loop with the gate.
		cfg.SyncInterval = cfg.SyncCooldown
	}
	return nil
}

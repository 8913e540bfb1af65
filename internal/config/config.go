// Package config loads the service configuration from a YAML file with
// environment-variable overrides and built-in defaults, following the
// teacher's three-layer config pattern: YAML -> env override -> defaults,
// exposed as both a process-wide singleton (Get) and an explicit
// constructor (LoadConfig) for composition-root wiring and tests.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
	Cache      CacheConfig      `yaml:"cache"`
	Worker     WorkerConfig     `yaml:"worker_pool"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Progress   ProgressConfig   `yaml:"progress_bus"`
	Processing ProcessingConfig `yaml:"processing"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// SecurityConfig bounds the Security/Validation Gate (spec §4.4).
type SecurityConfig struct {
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedMIME    []string `yaml:"allowed_mime_types"`
	DeepScan       bool     `yaml:"deep_scan"`
}

// CacheConfig configures the Conversion Cache (spec §4.1, §6.3).
type CacheConfig struct {
	Backend          string `yaml:"backend"` // memory | disk | redis
	MaxBytes         int64  `yaml:"max_bytes"`
	MaxEntries       int    `yaml:"max_entries"`
	MaxAgeSec        int    `yaml:"max_age_sec"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
	DiskRoot         string `yaml:"disk_root"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	RedisKeyPrefix   string `yaml:"redis_key_prefix"`
	RedisTTLSec      int    `yaml:"redis_ttl_sec"`
}

// WorkerConfig sizes the Worker Pool (spec §4.3, §5).
type WorkerConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// RateLimitConfig configures the per-client token bucket (spec §4.7).
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	IdleExpirySec     int     `yaml:"idle_expiry_sec"`
}

// ProgressConfig configures the Progress Fan-Out Bus (spec §4.2).
type ProgressConfig struct {
	SubscriptionBufferSize int `yaml:"subscription_buffer_size"`
}

// ProcessingConfig carries processing settings. JobReapAgeSec sets the age
// and cadence of the finished-job cleanup loop. DefaultQuality is loaded but
// not read by any other package: requests that omit quality get the fixed 85
// from core.ProcessingOptions.Normalize.
type ProcessingConfig struct {
	DefaultQuality int `yaml:"default_quality"`
	JobReapAgeSec  int `yaml:"job_reap_age_sec"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("IMGFORGE_ENV", c.Server.Env)
	c.Server.Interface = getEnv("IMGFORGE_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("SECURITY_MAX_UPLOAD_BYTES", 0); v > 0 {
		c.Security.MaxUploadBytes = int64(v)
	}
	if mimes := getEnv("SECURITY_ALLOWED_MIME_TYPES", ""); mimes != "" {
		c.Security.AllowedMIME = splitCSV(mimes)
	}
	c.Security.DeepScan = getEnvBool("SECURITY_DEEP_SCAN", c.Security.DeepScan)

	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	if v := getEnvInt("CACHE_MAX_BYTES", 0); v > 0 {
		c.Cache.MaxBytes = int64(v)
	}
	if v := getEnvInt("CACHE_MAX_ENTRIES", 0); v > 0 {
		c.Cache.MaxEntries = v
	}
	if v := getEnvInt("CACHE_MAX_AGE_SEC", 0); v > 0 {
		c.Cache.MaxAgeSec = v
	}
	if v := getEnvInt("CACHE_SWEEP_INTERVAL_SEC", 0); v > 0 {
		c.Cache.SweepIntervalSec = v
	}
	c.Cache.DiskRoot = getEnv("CACHE_DISK_ROOT", c.Cache.DiskRoot)
	c.Cache.RedisAddr = getEnv("CACHE_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("CACHE_REDIS_PASSWORD", c.Cache.RedisPassword)
	if v := getEnvInt("CACHE_REDIS_DB", 0); v > 0 {
		c.Cache.RedisDB = v
	}
	c.Cache.RedisKeyPrefix = getEnv("CACHE_REDIS_KEY_PREFIX", c.Cache.RedisKeyPrefix)
	if v := getEnvInt("CACHE_REDIS_TTL_SEC", 0); v > 0 {
		c.Cache.RedisTTLSec = v
	}

	if v := getEnvInt("WORKER_POOL_WORKERS", 0); v > 0 {
		c.Worker.Workers = v
	}
	if v := getEnvInt("WORKER_POOL_QUEUE_CAPACITY", 0); v > 0 {
		c.Worker.QueueCapacity = v
	}

	if v := getEnvFloat("RATE_LIMIT_REQUESTS_PER_SECOND", 0); v > 0 {
		c.RateLimit.RequestsPerSecond = v
	}
	if v := getEnvInt("RATE_LIMIT_BURST", 0); v > 0 {
		c.RateLimit.Burst = v
	}
	if v := getEnvInt("RATE_LIMIT_IDLE_EXPIRY_SEC", 0); v > 0 {
		c.RateLimit.IdleExpirySec = v
	}

	if v := getEnvInt("PROGRESS_BUS_SUBSCRIPTION_BUFFER_SIZE", 0); v > 0 {
		c.Progress.SubscriptionBufferSize = v
	}

	if v := getEnvInt("PROCESSING_DEFAULT_QUALITY", 0); v > 0 {
		c.Processing.DefaultQuality = v
	}
	if v := getEnvInt("PROCESSING_JOB_REAP_AGE_SEC", 0); v > 0 {
		c.Processing.JobReapAgeSec = v
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Security.MaxUploadBytes == 0 {
		c.Security.MaxUploadBytes = 25 * 1024 * 1024
	}
	if len(c.Security.AllowedMIME) == 0 {
		c.Security.AllowedMIME = []string{"image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff"}
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "disk"
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 512 * 1024 * 1024
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.MaxAgeSec == 0 {
		c.Cache.MaxAgeSec = 6 * 3600
	}
	if c.Cache.SweepIntervalSec == 0 {
		c.Cache.SweepIntervalSec = 300
	}
	if c.Cache.DiskRoot == "" {
		c.Cache.DiskRoot = "./data/cache"
	}
	if c.Cache.RedisKeyPrefix == "" {
		c.Cache.RedisKeyPrefix = "imgforge:cache:"
	}
	if c.Cache.RedisTTLSec == 0 {
		c.Cache.RedisTTLSec = int(24 * 3600)
	}

	if c.Worker.Workers == 0 {
		c.Worker.Workers = 8
	}
	if c.Worker.QueueCapacity == 0 {
		c.Worker.QueueCapacity = 256
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.RateLimit.IdleExpirySec == 0 {
		c.RateLimit.IdleExpirySec = 600
	}

	if c.Progress.SubscriptionBufferSize == 0 {
		c.Progress.SubscriptionBufferSize = 32
	}

	if c.Processing.DefaultQuality == 0 {
		c.Processing.DefaultQuality = 85
	}
	if c.Processing.JobReapAgeSec == 0 {
		c.Processing.JobReapAgeSec = 3600
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

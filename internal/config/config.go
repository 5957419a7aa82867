package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Remote  RemoteConfig  `yaml:"remote"`
	Mount   MountConfig   `yaml:"mount"`
	Cache   CacheConfig   `yaml:"cache"`
	Network NetworkConfig `yaml:"network"`
	Server  ServerConfig  `yaml:"server"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`

	// Rotation of log_file; ignored when logging to stderr.
	LogMaxSize    string `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`
}

// RemoteConfig describes the HTTP API the filesystem is backed by.
type RemoteConfig struct {
	ServerURL string        `yaml:"server_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`

	// HealthInterval is how often a mounted filesystem probes /health.
	// Zero disables the probe after mount.
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthFailures int           `yaml:"health_failures"`
}

// MountConfig represents FUSE mount settings
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	FSName       string        `yaml:"fsname"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	MaxWrite     string        `yaml:"max_write"`
	MaxFileSize  string        `yaml:"max_file_size"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	UID          uint32        `yaml:"uid"`
	GID          uint32        `yaml:"gid"`
	FileMode     uint32        `yaml:"file_mode"`
	DirMode      uint32        `yaml:"dir_mode"`
}

// CacheConfig represents attribute cache configuration
type CacheConfig struct {
	AttrTTL    time.Duration `yaml:"attr_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ServerConfig configures the reference REST server started by `remotefs serve`.
type ServerConfig struct {
	Listen  string   `yaml:"listen"`
	Root    string   `yaml:"root"`
	Store   string   `yaml:"store"`
	MaxBody string   `yaml:"max_body"`
	S3      S3Config `yaml:"s3"`
}

// S3Config represents the S3 store settings
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	UseTransporter bool   `yaml:"use_transporter"`
}

// Store kinds accepted by ServerConfig.Store.
const (
	StoreDisk = "disk"
	StoreS3   = "s3"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "text",
			MetricsPort: 0,

			LogMaxSize:    "100MiB",
			LogMaxBackups: 3,
		},
		Remote: RemoteConfig{
			ServerURL: "http://localhost:9000",
			Timeout:   30 * time.Second,
			UserAgent: "remotefs",

			HealthInterval: 30 * time.Second,
			HealthFailures: 3,
		},
		Mount: MountConfig{
			FSName:       "remotefs",
			MaxWrite:     "128KiB",
			MaxFileSize:  "1GiB",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			UID:          uint32(os.Getuid()),
			GID:          uint32(os.Getgid()),
			FileMode:     0644,
			DirMode:      0755,
		},
		Cache: CacheConfig{
			AttrTTL:    time.Second,
			MaxEntries: 100000,
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          10 * time.Second,
			},
		},
		Server: ServerConfig{
			Listen:  ":9000",
			Root:    "/tmp/remote_fs",
			Store:   StoreDisk,
			MaxBody: "1GiB",
			S3: S3Config{
				Region:         "us-east-1",
				ForcePathStyle: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("REMOTEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("REMOTEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("REMOTEFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid REMOTEFS_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}

	// Remote settings
	if val := os.Getenv("REMOTEFS_SERVER_URL"); val != "" {
		c.Remote.ServerURL = val
	}
	if val := os.Getenv("REMOTEFS_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid REMOTEFS_TIMEOUT: %w", err)
		}
		c.Remote.Timeout = d
	}
	if val := os.Getenv("REMOTEFS_HEALTH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid REMOTEFS_HEALTH_INTERVAL: %w", err)
		}
		c.Remote.HealthInterval = d
	}

	// Mount settings
	if val := os.Getenv("REMOTEFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("REMOTEFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}

	// Cache settings
	if val := os.Getenv("REMOTEFS_ATTR_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid REMOTEFS_ATTR_TTL: %w", err)
		}
		c.Cache.AttrTTL = d
	}

	// Server settings
	if val := os.Getenv("REMOTEFS_SERVER_ROOT"); val != "" {
		c.Server.Root = val
	}
	if val := os.Getenv("REMOTEFS_SERVER_STORE"); val != "" {
		c.Server.Store = strings.ToLower(val)
	}
	if val := os.Getenv("REMOTEFS_S3_BUCKET"); val != "" {
		c.Server.S3.Bucket = val
	}
	if val := os.Getenv("REMOTEFS_S3_ENDPOINT"); val != "" {
		c.Server.S3.Endpoint = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MaxWriteBytes returns the parsed mount.max_write size.
func (c *Configuration) MaxWriteBytes() (int, error) {
	n, err := units.RAMInBytes(c.Mount.MaxWrite)
	if err != nil {
		return 0, fmt.Errorf("invalid max_write %q: %w", c.Mount.MaxWrite, err)
	}
	return int(n), nil
}

// MaxFileSizeBytes returns the parsed mount.max_file_size.
func (c *Configuration) MaxFileSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Mount.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_file_size %q: %w", c.Mount.MaxFileSize, err)
	}
	return n, nil
}

// LogMaxSizeBytes returns the parsed global.log_max_size.
func (c *Configuration) LogMaxSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Global.LogMaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid log_max_size %q: %w", c.Global.LogMaxSize, err)
	}
	return n, nil
}

// MaxBodyBytes returns the parsed server.max_body size.
func (c *Configuration) MaxBodyBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Server.MaxBody)
	if err != nil {
		return 0, fmt.Errorf("invalid max_body %q: %w", c.Server.MaxBody, err)
	}
	return n, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.LogFormat != "text" && c.Global.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if n, err := c.LogMaxSizeBytes(); err != nil {
		return err
	} else if n <= 0 {
		return fmt.Errorf("log_max_size must be greater than 0")
	}

	if c.Global.LogMaxBackups < 0 {
		return fmt.Errorf("log_max_backups cannot be negative")
	}

	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.Global.MetricsPort)
	}

	u, err := url.Parse(c.Remote.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server_url: %q", c.Remote.ServerURL)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be greater than 0")
	}

	if c.Remote.HealthInterval < 0 {
		return fmt.Errorf("health_interval cannot be negative")
	}
	if c.Remote.HealthInterval > 0 && c.Remote.HealthFailures <= 0 {
		return fmt.Errorf("health_failures must be greater than 0")
	}

	if c.Cache.AttrTTL < 0 {
		return fmt.Errorf("attr_ttl cannot be negative")
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be greater than 0")
	}

	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be greater than 0")
	}

	if n, err := c.MaxWriteBytes(); err != nil {
		return err
	} else if n < 4096 {
		return fmt.Errorf("max_write must be at least 4KiB")
	}

	if n, err := c.MaxFileSizeBytes(); err != nil {
		return err
	} else if n <= 0 {
		return fmt.Errorf("max_file_size must be greater than 0")
	}

	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}

	switch c.Server.Store {
	case StoreDisk:
	case StoreS3:
		if c.Server.S3.Bucket == "" {
			return fmt.Errorf("s3 store requires a bucket")
		}
	default:
		return fmt.Errorf("invalid store: %s (must be %s or %s)", c.Server.Store, StoreDisk, StoreS3)
	}

	return nil
}

package s3

import (
	"time"
)

// Config represents S3 store configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Concurrency    int           `yaml:"concurrency"`

	// CargoShip transporter for uploads; PutObject is the fallback
	EnableCargoShipOptimization bool `yaml:"enable_cargoship_optimization"`
}

// NewDefaultConfig returns a Config with defaults for everything but the bucket.
func NewDefaultConfig() *Config {
	return &Config{
		Region:                      "us-east-1",
		MaxRetries:                  3,
		RequestTimeout:              30 * time.Second,
		Concurrency:                 8,
		EnableCargoShipOptimization: true,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
}

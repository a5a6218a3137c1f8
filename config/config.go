package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Directory DirectoryConfig `yaml:"directory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedOrigin is the dashboard origin permitted by CORS. Empty disables CORS headers.
	AllowedOrigin string `yaml:"allowed_origin"`
	// AdminKey guards the /admin routes. Empty leaves them unregistered.
	AdminKey string `yaml:"admin_key"`
}

// UpstreamConfig contains telemetry platform settings
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	DataTimeout  time.Duration `yaml:"data_timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DirectoryConfig contains device directory settings
type DirectoryConfig struct {
	BaseURL      string        `yaml:"base_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	WarmInterval time.Duration `yaml:"warm_interval"` // 0 disables the cache warmer
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Validate validates the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Upstream.Username == "" || c.Upstream.Password == "" {
		return fmt.Errorf("%w: upstream username and password are required", ErrInvalidConfig)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("%w: upstream base URL is required", ErrInvalidConfig)
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")

	if c.Directory.BaseURL == "" {
		return fmt.Errorf("%w: device directory base URL is required", ErrInvalidConfig)
	}
	c.Directory.BaseURL = strings.TrimRight(c.Directory.BaseURL, "/")

	if c.Upstream.AuthTimeout <= 0 {
		c.Upstream.AuthTimeout = 10 * time.Second
	}
	if c.Upstream.DataTimeout <= 0 {
		c.Upstream.DataTimeout = 30 * time.Second
	}
	if c.Upstream.RetryBackoff <= 0 {
		c.Upstream.RetryBackoff = time.Second
	}
	if c.Directory.CacheTTL <= 0 {
		c.Directory.CacheTTL = 5 * time.Minute
	}
	if c.Directory.WarmInterval < 0 {
		return fmt.Errorf("%w: cache warm interval cannot be negative", ErrInvalidConfig)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return nil
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables
// This is useful for containerized deployments
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:          getEnv("GATEWAY_HOST", "0.0.0.0"),
			Port:          getEnvInt("GATEWAY_PORT", 3000),
			AllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", ""),
			AdminKey:      getEnv("GATEWAY_ADMIN_KEY", ""),
		},
		Upstream: UpstreamConfig{
			BaseURL:      getEnv("TB_BASE_URL", "http://localhost:8080"),
			Username:     getEnv("TB_USERNAME", ""),
			Password:     getEnv("TB_PASSWORD", ""),
			AuthTimeout:  getEnvDuration("TB_AUTH_TIMEOUT", 10*time.Second),
			DataTimeout:  getEnvDuration("TB_DATA_TIMEOUT", 30*time.Second),
			RetryBackoff: getEnvDuration("TB_RETRY_BACKOFF", time.Second),
		},
		Directory: DirectoryConfig{
			BaseURL:      getEnv("DEVICE_API_BASE_URL", "http://localhost:4000"),
			CacheTTL:     getEnvDuration("DEVICE_CACHE_TTL", 5*time.Minute),
			WarmInterval: getEnvDuration("DEVICE_CACHE_WARM_INTERVAL", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s") or bare milliseconds ("1500")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	var ms int64
	if _, err := fmt.Sscanf(value, "%d", &ms); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"canteen/internal/models"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PathEnv overrides the default config location.
const PathEnv = "CANTEEN_CONFIG_PATH"

type Config struct {
	API struct {
		BaseURL            string  `yaml:"base_url"`
		TimeoutSeconds     int     `yaml:"timeout_seconds"`
		CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
		RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
		RateLimitBurst     int     `yaml:"rate_limit_burst"`
		Token              string  `yaml:"token"`
	} `yaml:"api"`

	Reservation struct {
		OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"`
		DefaultDurationMinutes  int `yaml:"default_duration_minutes"`
	} `yaml:"reservation"`

	Poll struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"poll"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		Dir           string `yaml:"dir"`
		IntervalHours int    `yaml:"interval_hours"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads a YAML config. An empty path falls back to $CANTEEN_CONFIG_PATH
// and then configs/config.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML after expanding ${ENV_VAR} placeholders.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/canteen.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if err := validate.Var(c.API.BaseURL, "url"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if d := c.Reservation.DefaultDurationMinutes; d != 0 && !models.ValidDuration(d) {
		errs = append(errs, fmt.Errorf("reservation.default_duration_minutes must be one of %v", models.AllowedDurations))
	}
	if c.API.RateLimitPerSecond < 0 || c.API.RateLimitBurst < 0 {
		errs = append(errs, errors.New("api rate limit must not be negative"))
	}
	for name, port := range map[string]int{
		"monitoring.health_check_port": c.Monitoring.HealthCheckPort,
		"monitoring.prometheus_port":   c.Monitoring.PrometheusPort,
	} {
		if err := validate.Var(port, "gte=0,lte=65535"); err != nil {
			errs = append(errs, fmt.Errorf("%s %d is out of range", name, port))
		}
	}
	if c.Tracing.Endpoint != "" {
		if err := validate.Var(c.Tracing.Endpoint, "url|hostname_port"); err != nil {
			errs = append(errs, fmt.Errorf("tracing.endpoint %q is neither a URL nor host:port", c.Tracing.Endpoint))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// CacheTTL applies to the canteen list only. Zero disables caching.
func (c *Config) CacheTTL() time.Duration {
	if c.API.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.API.CacheTTLSeconds) * time.Second
}

func (c *Config) OperationTimeout() time.Duration {
	if c.Reservation.OperationTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Reservation.OperationTimeoutSeconds) * time.Second
}

func (c *Config) DefaultDuration() int {
	if c.Reservation.DefaultDurationMinutes == 0 {
		return models.AllowedDurations[0]
	}
	return c.Reservation.DefaultDurationMinutes
}

func (c *Config) PollInterval() time.Duration {
	if c.Poll.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

func (c *Config) HealthPort() int {
	if c.Monitoring.HealthCheckPort <= 0 {
		return 8090
	}
	return c.Monitoring.HealthCheckPort
}

func (c *Config) MetricsPort() int {
	if c.Monitoring.PrometheusPort <= 0 {
		return 9090
	}
	return c.Monitoring.PrometheusPort
}

func (c *Config) ServiceName() string {
	if c.Tracing.ServiceName == "" {
		return "canteen"
	}
	return c.Tracing.ServiceName
}

// BackupDir defaults to a backups directory next to the database.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(filepath.Dir(c.Database.Path), "backups")
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) BackupRetention() time.Duration {
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "STREAMFETCH"

type Config struct {
	Workers      int    `mapstructure:"workers"`
	CacheSize    int    `mapstructure:"cache_size"`
	MaxEntrySize int64  `mapstructure:"max_entry_size"`
	SpoolDir     string `mapstructure:"spool_dir"`
	ControlFile  string `mapstructure:"control_file"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	Proxy         string        `mapstructure:"proxy"`
	ProxyUsername string        `mapstructure:"proxy_username"`
	ProxyPassword string        `mapstructure:"proxy_password"`
	UserAgent     string        `mapstructure:"user_agent"`
	Headers       []string      `mapstructure:"headers"`
	BearerToken   string        `mapstructure:"bearer_token"`
	// RateLimit caps the combined download rate in bytes per second.
	RateLimit   int64 `mapstructure:"rate_limit"`
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

type LogConfig struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects where completed fragments are persisted besides the
// exported file. Dir and S3Bucket may both be set.
type StorageConfig struct {
	Dir       string `mapstructure:"dir"`
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Prefix  string `mapstructure:"s3_prefix"`
	S3Profile string `mapstructure:"s3_profile"`
	S3Region  string `mapstructure:"s3_region"`
	Uploads   int    `mapstructure:"uploads"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Loader reads configuration from an optional YAML file, STREAMFETCH_*
// environment variables and any flags bound to it, in increasing order of
// precedence.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 4)
	v.SetDefault("cache_size", 256)
	v.SetDefault("max_entry_size", 0)
	v.SetDefault("spool_dir", "")
	v.SetDefault("control_file", "")
	v.SetDefault("http.timeout", 3*time.Minute)
	v.SetDefault("http.keep_alive", 90*time.Second)
	v.SetDefault("http.proxy", "")
	v.SetDefault("http.proxy_username", "")
	v.SetDefault("http.proxy_password", "")
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.headers", []string{})
	v.SetDefault("http.bearer_token", "")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.max_body_size", 0)
	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "console")
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "")
	v.SetDefault("storage.s3_profile", "")
	v.SetDefault("storage.s3_region", "")
	v.SetDefault("storage.uploads", 4)
	v.SetDefault("metrics.addr", "")
}

// Viper exposes the underlying instance so commands can bind their flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads path if given, otherwise looks for streamfetch.yaml in the
// working directory and the user config directory. A missing default file is
// not an error.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("streamfetch")
		l.v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(dir, "streamfetch"))
		}
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Str("op", "config/load").Msg("no config file found, using defaults")
	} else {
		log.Debug().Str("op", "config/load").Msgf("using config file %s", l.v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("workers must be between 0 and 64, got %d", c.Workers))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache_size must not be negative"))
	}
	if c.MaxEntrySize < 0 {
		errs = append(errs, fmt.Errorf("max_entry_size must not be negative"))
	}
	if c.HTTP.Timeout < 0 || c.HTTP.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("http timeouts must not be negative"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit must not be negative"))
	}
	if c.HTTP.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("http.max_body_size must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Storage.S3Bucket != "" && c.Storage.Uploads < 1 {
		errs = append(errs, fmt.Errorf("storage.uploads must be at least 1"))
	}
	return errors.Join(errs...)
}

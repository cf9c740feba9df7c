// Package config loads runtime configuration from file, environment and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full runtime configuration.
type Config struct {
	CaregiverID string `mapstructure:"caregiver_id"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Server struct {
		URL     string        `mapstructure:"url"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"server"`

	Sync struct {
		BatchSize      int           `mapstructure:"batch_size"`
		MaxConcurrency int           `mapstructure:"max_concurrency"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		RatePerSecond  float64       `mapstructure:"rate_per_second"`
		RateBurst      int           `mapstructure:"rate_burst"`
		BackoffBase    time.Duration `mapstructure:"backoff_base"`
		BackoffFactor  float64       `mapstructure:"backoff_factor"`
		BackoffCap     time.Duration `mapstructure:"backoff_cap"`
		BackoffJitter  float64       `mapstructure:"backoff_jitter"`
		PruneRetention time.Duration `mapstructure:"prune_retention"`
	} `mapstructure:"sync"`

	Connectivity struct {
		Interval     time.Duration `mapstructure:"interval"`
		ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"connectivity"`

	Refresh struct {
		Interval time.Duration `mapstructure:"interval"`
		ElderTTL time.Duration `mapstructure:"elder_ttl"`
	} `mapstructure:"refresh"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`
}

// Loader owns the viper instance so the config file can be watched.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration. path may be empty, in which case the loader
// searches the working directory and ~/.healthguide for healthguide.yaml;
// a missing file just yields defaults plus environment.
func Load(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HEALTHGUIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("healthguide")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.healthguide")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, cfg: cfg}, nil
}

// Config returns the current snapshot.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Watch re-reads the file on change and invokes fn with the new snapshot.
// Errors in the rewritten file are logged and keep the previous snapshot.
func (l *Loader) Watch(logger *zap.Logger, fn func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l.v.OnConfigChange(l.onChange(logger, fn))
	l.v.WatchConfig()
}

func (l *Loader) onChange(logger *zap.Logger, fn func(*Config)) func(fsnotify.Event) {
	return func(ev fsnotify.Event) {
		cfg, err := unmarshal(l.v)
		if err != nil {
			// a bad edit keeps the previous snapshot in effect
			logger.Error("ignoring invalid config rewrite",
				zap.String("file", ev.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		if fn != nil {
			fn(cfg)
		}
	}
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.MaxConcurrency <= 0 {
		return fmt.Errorf("sync.max_concurrency must be positive")
	}
	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("sync.backoff_factor must be at least 1")
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter >= 1 {
		return fmt.Errorf("sync.backoff_jitter must be in [0,1)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", ".healthguide/healthguide.db")
	v.SetDefault("server.timeout", 15*time.Second)
	v.SetDefault("sync.batch_size", 16)
	v.SetDefault("sync.max_concurrency", 4)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.rate_per_second", 10.0)
	v.SetDefault("sync.rate_burst", 5)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_factor", 2.0)
	v.SetDefault("sync.backoff_cap", 5*time.Minute)
	v.SetDefault("sync.backoff_jitter", 0.2)
	v.SetDefault("sync.prune_retention", 7*24*time.Hour)
	v.SetDefault("connectivity.interval", 30*time.Second)
	v.SetDefault("connectivity.probe_timeout", 10*time.Second)
	v.SetDefault("refresh.interval", 15*time.Minute)
	v.SetDefault("refresh.elder_ttl", 15*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

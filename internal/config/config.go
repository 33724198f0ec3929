package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration for contentflow.
type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		URL string `mapstructure:"url"` // empty selects the in-memory store
	} `mapstructure:"database"`
	Redis struct {
		Addr    string `mapstructure:"addr"` // empty logs notifications instead of publishing them
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
		Workers  int           `mapstructure:"workers"`
	} `mapstructure:"sweep"`
	Audit struct {
		MaxRetries uint64 `mapstructure:"max_retries"`
	} `mapstructure:"audit"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	// Directory maps a role to the users holding it.
	Directory map[string][]string `mapstructure:"directory"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "contentflow.events")
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("audit.max_retries", 3)
	v.SetDefault("log.level", "INFO")
}

// Load reads .env (if present), then the optional config file, then CONTENTFLOW_* variables.
// An empty path looks for contentflow.yaml in the working directory and ./config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONTENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("contentflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sweep.Interval <= 0 {
		return errors.Errorf("sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return errors.New("redis.channel is required when redis.addr is set")
	}
	return nil
}

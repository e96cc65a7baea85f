package main

import (
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/offline-cache/offline-cache/cache"
)

type Config struct {
	Listen      string   `yaml:"listen"`
	Origin      string   `yaml:"origin"`
	OriginHost  string   `yaml:"origin_host"`
	AppHost     string   `yaml:"app_host"`
	Manifest    string   `yaml:"manifest"`
	Tag         string   `yaml:"tag"`
	Watch       bool     `yaml:"watch"`
	SkipWaiting bool     `yaml:"skip_waiting"`
	ShellPath   string   `yaml:"shell_path"`
	OfflinePath string   `yaml:"offline_path"`
	APIPrefixes []string `yaml:"api_prefixes"`

	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

type StoreConfig struct {
	// Backend is memory, sqlite or redis. Defaults to sqlite, or redis
	// when a redis address is configured.
	Backend  string      `yaml:"backend"`
	Filename string      `yaml:"filename"`
	Redis    RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// loadConfig loads a config from a file. If filePath is empty, a file named
// "offline-cache" in the working directory is used when present; running
// from flags alone is fine.
func loadConfig(filePath string) (*Config, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("offline-cache")
		v.AddConfigPath(".")
	}

	cfg := new(Config)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) == 0 && errors.As(err, &notFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// applyFlags lays command-line values over the file config. Flags win.
func (c *Config) applyFlags(sf *serverFlags) {
	if sf.origin != "" {
		c.Origin = sf.origin
	}
	if sf.host != "" {
		c.OriginHost = sf.host
	}
	if sf.appHost != "" {
		c.AppHost = sf.appHost
	}
	if sf.manifest != "" {
		c.Manifest = sf.manifest
	}
	if sf.tag != "" {
		c.Tag = sf.tag
	}
	if sf.db != "" {
		c.Store.Filename = sf.db
	}
	if sf.watch {
		c.Watch = true
	}
	if sf.skipWaiting {
		c.SkipWaiting = true
	}
	if sf.logFile != "" {
		c.Log.File = sf.logFile
	}
	if c.Listen == "" {
		c.Listen = fmt.Sprintf(":%d", sf.port)
	}
}

func openStore(cfg StoreConfig) (cache.Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
		if cfg.Redis.Addr != "" {
			backend = "redis"
		}
	}
	switch backend {
	case "memory":
		return cache.NewMemStore(), nil
	case "sqlite":
		filename := cfg.Filename
		if filename == "" {
			filename = "cache.db"
		}
		if filename == "memory" {
			filename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteStore(filename)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return cache.NewRedisStore(cache.RedisStoreOpts{
			Client:       client,
			ClientCloser: client,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

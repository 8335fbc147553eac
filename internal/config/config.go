// Package config loads tilefarm settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tilefarm/internal/job"
	"tilefarm/internal/pkg/errors"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Farm     FarmConfig     `mapstructure:"farm"`
	Render   RenderConfig   `mapstructure:"render"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr  string `mapstructure:"addr"`
	Queue string `mapstructure:"queue"`
}

type StorageConfig struct {
	Provider  string       `mapstructure:"provider"`
	LocalRoot string       `mapstructure:"local_root"`
	GDrive    GDriveConfig `mapstructure:"gdrive"`
}

type GDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	FolderID     string `mapstructure:"folder_id"`
}

type WorkerConfig struct {
	// ModulePath is a compiled render module. Empty selects the native ray tracer.
	ModulePath       string        `mapstructure:"module_path"`
	QueueSize        int           `mapstructure:"queue_size"`
	Backpressure     string        `mapstructure:"backpressure"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
	Scene            string        `mapstructure:"scene"`
}

type FarmConfig struct {
	LocalWorkers int      `mapstructure:"local_workers"`
	RemoteNodes  []string `mapstructure:"remote_nodes"`
	RemoteRPS    float64  `mapstructure:"remote_rps"`
}

type RenderConfig struct {
	Width     uint32 `mapstructure:"width"`
	Height    uint32 `mapstructure:"height"`
	Samples   uint32 `mapstructure:"samples"`
	Recursion uint32 `mapstructure:"recursion"`
	Tiles     uint32 `mapstructure:"tiles"`
	// MaxTiles caps the tile count a frame request may ask for.
	MaxTiles uint32 `mapstructure:"max_tiles"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// bare environment names accepted next to the TILEFARM_ prefixed ones
var legacyEnv = map[string]string{
	"http.port":                    "HTTP_PORT",
	"database.url":                 "DATABASE_URL",
	"redis.addr":                   "REDIS_ADDR",
	"redis.queue":                  "JOB_QUEUE_NAME",
	"storage.provider":             "STORAGE_PROVIDER",
	"storage.local_root":           "STORAGE_LOCAL_ROOT",
	"storage.gdrive.client_id":     "GDRIVE_CLIENT_ID",
	"storage.gdrive.client_secret": "GDRIVE_CLIENT_SECRET",
	"storage.gdrive.refresh_token": "GDRIVE_REFRESH_TOKEN",
	"storage.gdrive.folder_id":     "GDRIVE_FOLDER_ID",
	"http.cors_origins":            "CORS_ALLOWED_ORIGINS",
	"log.level":                    "LOG_LEVEL",
	"log.format":                   "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.request_timeout", 2*time.Minute)
	v.SetDefault("http.cors_origins", []string{"http://localhost:8081", "http://localhost:5173"})
	v.SetDefault("redis.queue", "tilefarm:tiles")
	v.SetDefault("storage.provider", "localfs")
	v.SetDefault("storage.local_root", "/data")
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.backpressure", "block")
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("worker.memory_limit_pages", 4096)
	v.SetDefault("worker.scene", "cool")
	v.SetDefault("farm.local_workers", 4)
	v.SetDefault("farm.remote_rps", 8.0)
	v.SetDefault("render.width", 960)
	v.SetDefault("render.height", 720)
	v.SetDefault("render.samples", 4)
	v.SetDefault("render.recursion", 8)
	v.SetDefault("render.tiles", 16)
	v.SetDefault("render.max_tiles", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Option adjusts the viper instance before the config is read.
type Option func(v *viper.Viper) error

// WithFlags overlays command-line flags, keyed by config key, on the file and
// environment. A flag only wins when it was set on the command line.
func WithFlags(flags map[string]*pflag.Flag) Option {
	return func(v *viper.Viper) error {
		for key, f := range flags {
			if f == nil {
				return errors.Internalf("no flag bound to %s", key)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return errors.Wrap(err, "config.load", "bind flag").WithField("key", key)
			}
		}
		return nil
	}
}

// Load reads configuration. path may be empty, in which case tilefarm.yaml is
// looked up in the working directory and silently skipped when absent.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("TILEFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "TILEFARM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, errors.Wrap(err, "config.load", "bind env")
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tilefarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "config.load", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	if c.Worker.QueueSize <= 0 {
		return errors.ValidationField("worker.queue_size", "must be positive")
	}
	switch c.Worker.Backpressure {
	case "block", "reject":
	default:
		return errors.ValidationField("worker.backpressure", "must be block or reject")
	}
	if c.Farm.LocalWorkers < 0 {
		return errors.ValidationField("farm.local_workers", "must not be negative")
	}
	if c.Render.MaxTiles > job.MaxTiles {
		return errors.ValidationField("render.max_tiles", "must not exceed the tile limit").
			WithField("limit", job.MaxTiles)
	}
	if c.Render.MaxTiles > 0 && c.Render.Tiles > c.Render.MaxTiles {
		return errors.ValidationField("render.tiles", "must not exceed render.max_tiles")
	}
	switch c.Storage.Provider {
	case "localfs", "gdrive":
	default:
		return errors.ValidationField("storage.provider", "unknown storage provider: "+c.Storage.Provider)
	}
	return nil
}

// RequireDatabase fails when the settings needed by queue-fed rendering are missing.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.ValidationField("database.url", "DATABASE_URL is required")
	}
	if c.Redis.Addr == "" {
		return errors.ValidationField("redis.addr", "REDIS_ADDR is required")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "WALKER"
	envConfigFile = "WALKER_CONFIG"

	defaultListenAddr    = ":8080"
	defaultDBDriver      = "sqlite"
	defaultDBPath        = "walker.db"
	defaultAdapter       = "plugin"
	defaultPluginTimeout = 10 * time.Minute
	defaultCredentialRef = "~/.ssh/id_rsa"
	defaultWaitTimeout   = 3 * time.Minute
	defaultPollInterval  = 100 * time.Millisecond
	defaultTokenTTL      = 24 * time.Hour
)

// Config holds application configuration. Values come from defaults, an
// optional YAML file named by WALKER_CONFIG and WALKER_* environment
// variables, in increasing precedence.
type Config struct {
	ListenAddr string
	DBDriver   string
	DBPath     string
	DBDSN      string
	LogLevel   slog.Level

	JWTSecret string
	TokenTTL  time.Duration

	Adapter       string
	PluginPath    string
	PluginTimeout time.Duration
	CredentialRef string

	WaitTimeout       time.Duration
	PollInterval      time.Duration
	MaxConcurrentJobs int64
}

// Load reads the configuration. A missing config file is only an error when
// WALKER_CONFIG names it explicitly.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_driver", defaultDBDriver)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("db_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", defaultTokenTTL)
	v.SetDefault("adapter", defaultAdapter)
	v.SetDefault("plugin_path", "")
	v.SetDefault("plugin_timeout", defaultPluginTimeout)
	v.SetDefault("credential_ref", defaultCredentialRef)
	v.SetDefault("wait_timeout", defaultWaitTimeout)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("max_concurrent_jobs", 0)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:        v.GetString("listen_addr"),
		DBDriver:          strings.ToLower(v.GetString("db_driver")),
		DBPath:            v.GetString("db_path"),
		DBDSN:             v.GetString("db_dsn"),
		LogLevel:          parseLogLevel(v.GetString("log_level")),
		JWTSecret:         v.GetString("jwt_secret"),
		TokenTTL:          v.GetDuration("token_ttl"),
		Adapter:           v.GetString("adapter"),
		PluginPath:        v.GetString("plugin_path"),
		PluginTimeout:     v.GetDuration("plugin_timeout"),
		CredentialRef:     v.GetString("credential_ref"),
		WaitTimeout:       v.GetDuration("wait_timeout"),
		PollInterval:      v.GetDuration("poll_interval"),
		MaxConcurrentJobs: v.GetInt64("max_concurrent_jobs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return errors.New("db_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	if c.WaitTimeout <= 0 {
		return errors.New("wait_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token_ttl must be positive")
	}
	if c.MaxConcurrentJobs < 0 {
		return errors.New("max_concurrent_jobs must not be negative")
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding the real environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

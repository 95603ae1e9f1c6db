package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	MirrorPath     string         `mapstructure:"mirror_path" validate:"required"`
	IndexPath      string         `mapstructure:"index_path"`
	Database       DatabaseConfig `mapstructure:"database" validate:"required"`
	Sync           SyncConfig     `mapstructure:"sync"`
	Server         ServerConfig   `mapstructure:"server"`
	Log            LogConfig      `mapstructure:"log"`
	IgnorePatterns []string       `mapstructure:"ignore_patterns"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	Schema   string `mapstructure:"schema"`
	SSLMode  string `mapstructure:"sslmode"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	PageSize          int `mapstructure:"page_size" validate:"min=1,max=10000"`
	HookTimeoutMs     int `mapstructure:"hook_timeout_ms" validate:"min=100"`
	DebounceMs        int `mapstructure:"debounce_ms" validate:"min=0"`
	MaxFilenameLength int `mapstructure:"max_filename_length" validate:"min=16,max=240"`
	RetryAttempts     int `mapstructure:"retry_attempts" validate:"min=1,max=10"`
	RetryIntervalSec  int `mapstructure:"retry_interval_sec" validate:"min=1"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

// LogConfig controls the default slog logger
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Sync: SyncConfig{
			PageSize:          500,
			HookTimeoutMs:     15000,
			RetryAttempts:     3,
			RetryIntervalSec:  60,
			DebounceMs:        2000,
			MaxFilenameLength: 200,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		IgnorePatterns: []string{
			".obsidian/**",
			".trash/**",
			".git/**",
			"**/.DS_Store",
			"**/*.tmp",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("sync.page_size", defaults.Sync.PageSize)
	v.SetDefault("sync.hook_timeout_ms", defaults.Sync.HookTimeoutMs)
	v.SetDefault("sync.debounce_ms", defaults.Sync.DebounceMs)
	v.SetDefault("sync.max_filename_length", defaults.Sync.MaxFilenameLength)
	v.SetDefault("sync.retry_attempts", defaults.Sync.RetryAttempts)
	v.SetDefault("sync.retry_interval_sec", defaults.Sync.RetryIntervalSec)
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.compress", defaults.Log.Compress)
	v.SetDefault("ignore_patterns", defaults.IgnorePatterns)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Server.Token = os.ExpandEnv(cfg.Server.Token)
	cfg.MirrorPath = expandPath(cfg.MirrorPath)
	cfg.IndexPath = expandPath(cfg.IndexPath)
	cfg.Log.File = expandPath(cfg.Log.File)

	// One schema per mirror unless configured
	if cfg.Database.Schema == "" && cfg.MirrorPath != "" {
		cfg.Database.Schema = SanitizeIdentifier("folio_" + filepath.Base(cfg.MirrorPath))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct constraints on a loaded config
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// ResolveIndexPath returns the badger directory for the mirror's metadata
// index. Each mirror root gets its own index under the state dir unless one
// is configured explicitly.
func (c *Config) ResolveIndexPath() (string, error) {
	if c.IndexPath != "" {
		return c.IndexPath, nil
	}
	stateDir, err := GetStateDir()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(c.MirrorPath))
	return filepath.Join(stateDir, "index-"+hex.EncodeToString(sum[:])[:12]), nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "folio")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "folio")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "folio")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "folio")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars  = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a folder name into a valid PostgreSQL identifier
// (lowercase, [a-z0-9_], starting with a letter, at most 63 bytes).
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = "folio"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "folio_" + name
	}

	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "_")
	}

	return name
}

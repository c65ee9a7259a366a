package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SourceType identifies the book server backend
type SourceType string

const (
	SourceTypeCalibre SourceType = "calibre"
	SourceTypeLocal   SourceType = "local"
)

// Config holds all application configuration
type Config struct {
	Servers []ServerConfig `mapstructure:"servers"`
	Cache   CacheConfig    `mapstructure:"cache"`
	Search  SearchConfig   `mapstructure:"search"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig describes one book server
type ServerConfig struct {
	ID       string     `mapstructure:"id"`       // Prefix of every library id on this server
	Type     SourceType `mapstructure:"type"`     // "calibre" or "local"
	URL      string     `mapstructure:"url"`      // Calibre only
	Username string     `mapstructure:"username"` // Calibre only, basic auth
	Password string     `mapstructure:"password"` // Calibre only, basic auth

	// Local only: library names served and an optional JSON export to
	// import on startup
	Libraries []string `mapstructure:"libraries"`
	Import    string   `mapstructure:"import"`
}

// CacheConfig holds on-disk cache and merged view settings
type CacheConfig struct {
	Dir            string `mapstructure:"dir"` // Empty keeps everything in memory
	MaxMergedViews int    `mapstructure:"max_merged_views"`
}

// SearchConfig tunes fetching and merging
type SearchConfig struct {
	PageSize     int           `mapstructure:"page_size"`
	FetchBatch   int           `mapstructure:"fetch_batch"`
	FetchWorkers int           `mapstructure:"fetch_workers"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the prometheus listener address ("" disables it)
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:            defaultCachePath(),
			MaxMergedViews: 64,
		},
		Search: SearchConfig{
			PageSize:     100,
			FetchBatch:   50,
			FetchWorkers: 4,
			Debounce:     2 * time.Second,
		},
		Logging: LoggingConfig{
			File:  defaultLogPath(),
			Level: "INFO",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "libris", "libris.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "libris", "libris.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "libris")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "libris")
	}
}

// defaultCachePath returns the default cache directory path for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "libris", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "libris", "cache")
	}
}

// LoadConfig loads configuration from file and environment. An empty path
// searches the default config directory and the working directory.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. LIBRIS_SEARCH_PAGE_SIZE
	v.SetEnvPrefix("LIBRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers the scalar keys so AutomaticEnv applies to Unmarshal
// even when the file does not set them.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"cache.dir", "cache.max_merged_views",
		"search.page_size", "search.fetch_batch", "search.fetch_workers", "search.debounce",
		"logging.file", "logging.level",
		"metrics.addr",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks server entries for the fields their type needs.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" || strings.Contains(s.ID, "/") {
			return fmt.Errorf("servers[%d]: id must be set and must not contain '/'", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		switch s.Type {
		case SourceTypeCalibre:
			if s.URL == "" {
				return fmt.Errorf("servers[%d] (%s): calibre server needs a url", i, s.ID)
			}
		case SourceTypeLocal:
			if len(s.Libraries) == 0 {
				return fmt.Errorf("servers[%d] (%s): local server needs at least one library", i, s.ID)
			}
		default:
			return fmt.Errorf("servers[%d] (%s): unknown type %q", i, s.ID, s.Type)
		}
	}
	return nil
}

// IsConfigured returns true if at least one server is set up
func (c *Config) IsConfigured() bool {
	return len(c.Servers) > 0
}

// ClearCache removes all cached data
func ClearCache(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Package config loads and saves rangedl's user-level defaults.
//
// This covers only ambient, persistent user settings (default output
// directory, default chunk size, default slot count, ...). It has no
// relation to a download's own resumable state, which is serialized by
// internal/dlm instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "rangedl"
)

// ConfigDir returns the standard config directory for rangedl.
// Windows: %APPDATA%\rangedl\
// macOS/Linux: ~/.config/rangedl/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config holds the user-level defaults applied to new downloads.
type Config struct {
	// OutputDir is the default target folder for new downloads.
	OutputDir string `yaml:"output_dir,omitempty"`

	// ChunkSize is the minimum split size in bytes before a chunk may be
	// halved to feed an idle slot.
	ChunkSize int64 `yaml:"chunk_size,omitempty"`

	// MaxSlot is the default number of concurrent slots per download.
	MaxSlot int `yaml:"max_slot,omitempty"`

	// MaxParallelDownloads caps how many downloads the Manager admits at
	// once. 0 means unbounded.
	MaxParallelDownloads int `yaml:"max_parallel_downloads,omitempty"`

	// MaxRedirects is the default per-source redirect cap for info probes.
	MaxRedirects int `yaml:"max_redirects,omitempty"`

	// MaxRetries is the default per-source retry budget. Negative means
	// unbounded.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// WaitTime is the number of seconds a source makes the next slot wait
	// after a failure.
	WaitTime int `yaml:"wait_time_seconds,omitempty"`

	// ConnectTimeout is the per-source connect timeout in seconds.
	ConnectTimeout int `yaml:"connect_timeout_seconds,omitempty"`

	// UserAgent is the default User-Agent header applied to new sources.
	UserAgent string `yaml:"user_agent,omitempty"`

	// Server configures the optional control-plane API.
	Server ServerConfig `yaml:"server,omitempty"`
}

// ServerConfig holds HTTP control-plane settings for `rangedl serve`.
type ServerConfig struct {
	Addr          string `yaml:"addr,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}

	switch runtime.GOOS {
	case "darwin", "windows":
		return filepath.Join(home, "Downloads", "rangedl")
	default:
		return filepath.Join(home, "downloads")
	}
}

// DefaultConfig returns a config with sensible defaults, mirroring the
// defaults spec'd for Download/Source (2 MiB chunk floor, 3 slots, 5s
// connect timeout).
func DefaultConfig() *Config {
	return &Config{
		OutputDir:            DefaultDownloadDir(),
		ChunkSize:            2 * 1024 * 1024,
		MaxSlot:              3,
		MaxParallelDownloads: 1,
		MaxRedirects:         5,
		MaxRetries:           5,
		WaitTime:             5,
		ConnectTimeout:       5,
		Server: ServerConfig{
			Addr:          ":8080",
			MaxConcurrent: 10,
		},
	}
}

// Exists checks if the config file exists.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from its standard path.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.OutputDir = expandPath(cfg.OutputDir)
	return cfg, nil
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		if len(path) == 1 || path[1] == '/' || path[1] == '\\' {
			home, err := os.UserHomeDir()
			if err == nil {
				subPath := path[1:]
				if len(subPath) > 0 && (subPath[0] == '/' || subPath[0] == '\\') {
					subPath = subPath[1:]
				}
				return filepath.Join(home, subPath)
			}
		}
	}

	return path
}

// Save writes the config to its standard path.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	configPath, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	header := "# rangedl configuration file\n# Run 'rangedl init' to regenerate with defaults\n\n"
	content := header + string(data)

	return os.WriteFile(configPath, []byte(content), 0644)
}

// SavePath returns the path where config will be saved.
func SavePath() string {
	if path, err := ConfigPath(); err == nil {
		return path
	}
	return "config.yml"
}

// Init creates a new config.yml with default values.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads the config if it exists, otherwise returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = DefaultConfig()
	}
	return cfg
}

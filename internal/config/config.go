// Package config loads the global treefs settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"treefs/internal/artifacts"
)

const (
	configDirEnv     = "TREEFS_CONFIG_DIR"
	settingsFileName = "settings.yaml"
)

// getConfigDir returns the config directory path.
// Uses TREEFS_CONFIG_DIR env var if set, otherwise defaults to ~/.treefs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".treefs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the global settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), settingsFileName)
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings template if no settings file exists yet.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := SettingsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings are the global settings shared by every client.
type Settings struct {
	StorePath string `yaml:"store_path" env:"TREEFS_STORE_PATH" env-default:"objects.db"`
	// LogLevel is one of trace, debug, info, warn, off.
	LogLevel string `yaml:"log_level" env:"TREEFS_LOG_LEVEL" env-default:"warn"`
	// DiffParallelism bounds concurrent subtree walks; 1 is sequential.
	DiffParallelism int      `yaml:"diff_parallelism" env:"TREEFS_DIFF_PARALLELISM" env-default:"8"`
	IgnoreFile      string   `yaml:"ignore_file" env:"TREEFS_IGNORE_FILE"`
	SystemIgnore    []string `yaml:"system_ignore" env:"TREEFS_SYSTEM_IGNORE" env-separator:","`
}

// Load reads the settings file, applies environment overrides and fills
// unset fields with defaults. A missing file is not an error.
func Load() (*Settings, error) {
	return LoadFromPath(SettingsPath())
}

// LoadFromPath is Load for an explicit settings file.
func LoadFromPath(path string) (*Settings, error) {
	var s Settings
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err := cleanenv.ReadConfig(path, &s); err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := cleanenv.ReadEnv(&s); err != nil {
			return nil, fmt.Errorf("failed to read settings from environment: %w", err)
		}
	default:
		return nil, err
	}
	return &s, nil
}

// Save writes the settings to the global settings file.
func Save(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# treefs global settings\n# Environment variables TREEFS_* override these values\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// ResolvedStorePath returns StorePath, resolved against the config
// directory when relative.
func (s *Settings) ResolvedStorePath() string {
	if filepath.IsAbs(s.StorePath) {
		return s.StorePath
	}
	return filepath.Join(getConfigDir(), s.StorePath)
}

// UserIgnoreLines returns the lines of the per-user ignore file. An unset or
// missing file yields no lines.
func (s *Settings) UserIgnoreLines() ([]string, error) {
	if s.IgnoreFile == "" {
		return nil, nil
	}
	path := s.IgnoreFile
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore file %s: %w", path, err)
	}
	return strings.Split(string(data), "\n"), nil
}

// ConfigureLogging points logrus at w with the given level (case
// insensitive). "off" and "none" discard all output; unknown levels fall
// back to warn.
func ConfigureLogging(level string, w io.Writer) {
	switch strings.ToLower(level) {
	case "off", "none":
		logrus.SetOutput(io.Discard)
		return
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
	logrus.SetOutput(w)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading.
type Loader struct {
	configPath string
}

// NewLoader creates a config loader. An empty path falls back to
// $HOME/.wayfarer/wayfarer.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Path resolves the effective config file path.
func (l *Loader) Path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".wayfarer", "wayfarer.json"), nil
}

// Load reads, unmarshals, and validates the configuration. A missing
// file yields the defaults; a malformed file fails fast.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.Path()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("WAYFARER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to disk, creating the directory
// when needed.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("servers", cfg.Servers)
	v.Set("timeouts", cfg.Timeouts)
	v.Set("task", cfg.Task)
	v.Set("keepalive", cfg.Keepalive)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

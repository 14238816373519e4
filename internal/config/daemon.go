// Package config loads the daemon configuration (TOML through viper) and the
// per-service JSON records kept in the config root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcd/internal/logger"
)

// EnvPrefix is the prefix of environment variables overriding daemon settings,
// e.g. SVCD_SERVER_LISTEN.
const EnvPrefix = "SVCD"

type Daemon struct {
	ConfigDir   string        `mapstructure:"config_dir"`
	LogDir      string        `mapstructure:"log_dir"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	StartProbe  time.Duration `mapstructure:"start_probe"`
	Watch       bool          `mapstructure:"watch"`
	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`

	Server  ServerConfig  `mapstructure:"server"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen starts a separate listener; empty mounts /metrics on the API server.
	Listen string `mapstructure:"listen"`
	// ResourceInterval is the CPU/memory sampling period; zero disables it.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_dir", "services")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("stop_timeout", "5s")
	v.SetDefault("start_probe", "0s")
	v.SetDefault("watch", false)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("server.listen", "127.0.0.1:8000")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resource_interval", "15s")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// Default returns the daemon configuration with no file and no environment.
func Default() Daemon {
	v := viper.New()
	setDefaults(v)
	var d Daemon
	_ = v.Unmarshal(&d)
	return d
}

// LoadDaemon reads path (TOML) on top of the defaults and applies SVCD_*
// environment overrides. An empty path uses defaults and environment only.
// Relative config_dir, log_dir and env_files are resolved against the
// directory of the file.
func LoadDaemon(path string) (Daemon, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := ""
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Daemon{}, fmt.Errorf("read daemon config: %w", err)
		}
		base = filepath.Dir(path)
	}
	var d Daemon
	if err := v.Unmarshal(&d); err != nil {
		return Daemon{}, fmt.Errorf("decode daemon config: %w", err)
	}
	if base != "" {
		d.ConfigDir = resolve(base, d.ConfigDir)
		d.LogDir = resolve(base, d.LogDir)
		for i, f := range d.EnvFiles {
			d.EnvFiles[i] = resolve(base, f)
		}
	}
	if err := d.Validate(); err != nil {
		return Daemon{}, err
	}
	return d, nil
}

func (d Daemon) Validate() error {
	if d.ConfigDir == "" {
		return fmt.Errorf("config_dir is required")
	}
	if d.LogDir == "" {
		return fmt.Errorf("log_dir is required")
	}
	if d.StopTimeout < 0 || d.StartProbe < 0 || d.Metrics.ResourceInterval < 0 {
		return fmt.Errorf("stop_timeout, start_probe and metrics.resource_interval must not be negative")
	}
	if d.History.Enabled && d.History.DSN == "" {
		return fmt.Errorf("history is enabled but history.dsn is empty")
	}
	if _, err := logger.ParseLevel(d.Log.Level); err != nil {
		return err
	}
	return nil
}

// GlobalEnv returns the variables every service sees on top of the
// supervisor environment: env_files in order, then env entries.
func (d Daemon) GlobalEnv() ([]string, error) {
	var out []string
	for _, p := range d.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	for _, kv := range d.Env {
		if strings.IndexByte(kv, '=') <= 0 {
			return nil, fmt.Errorf("invalid env entry %q", kv)
		}
		out = append(out, kv)
	}
	return out, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// LoadEnvFile parses KEY=VALUE lines; blank lines and # comments are skipped.
// Order is preserved so later lines win when merged.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
	}
	return out, nil
}

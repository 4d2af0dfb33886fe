// Package config loads offline-doctor settings from a YAML file, an optional
// .env file, and OFFLINE_DOCTOR_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvDataDir    = "OFFLINE_DOCTOR_DATA_DIR"
	EnvLogLevel   = "OFFLINE_DOCTOR_LOG_LEVEL"
	EnvLogFormat  = "OFFLINE_DOCTOR_LOG_FORMAT"
	EnvListenAddr = "OFFLINE_DOCTOR_LISTEN_ADDR"
	EnvModel      = "OFFLINE_DOCTOR_MODEL"
	EnvBackendBin = "LLAMA_SERVER_BIN"

	DefaultListenAddr      = "127.0.0.1:23999"
	DefaultBackendPort     = 8080
	DefaultGenerateTimeout = 5 * time.Minute

	homeDirName = ".offline-doctor"
)

type Config struct {
	// DataDir holds the database, models, audit log, and lock file.
	DataDir string `yaml:"data_dir"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level"`

	ListenAddr string `yaml:"listen_addr"`

	// DefaultModel is a catalog filename started when none is requested.
	DefaultModel string `yaml:"default_model,omitempty"`

	Backend Backend `yaml:"backend"`
}

type Backend struct {
	Port            int           `yaml:"port"`
	Binary          string        `yaml:"binary,omitempty"`
	SearchDirs      []string      `yaml:"search_dirs,omitempty"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, homeDirName)
}

// DefaultConfigPath returns ~/.offline-doctor/config.yaml.
func DefaultConfigPath() string {
	if d := homeDir(); d != "" {
		return filepath.Join(d, "config.yaml")
	}
	return "offline-doctor.config.yaml"
}

// DefaultDataDir returns ~/.offline-doctor.
func DefaultDataDir() string {
	if d := homeDir(); d != "" {
		return d
	}
	return homeDirName
}

func Default() *Config {
	return &Config{
		DataDir:    DefaultDataDir(),
		LogFormat:  "json",
		LogLevel:   "info",
		ListenAddr: DefaultListenAddr,
		Backend: Backend{
			Port:            DefaultBackendPort,
			GenerateTimeout: DefaultGenerateTimeout,
		},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("missing data_dir")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if strings.ContainsAny(c.DefaultModel, `/\`) {
		return fmt.Errorf("invalid default_model %q: must be a catalog filename", c.DefaultModel)
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("invalid backend.port %d", c.Backend.Port)
	}
	if c.Backend.GenerateTimeout <= 0 {
		return fmt.Errorf("invalid backend.generate_timeout %s", c.Backend.GenerateTimeout)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are left alone.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, EnvDataDir)
	set(&c.LogLevel, EnvLogLevel)
	set(&c.LogFormat, EnvLogFormat)
	set(&c.ListenAddr, EnvListenAddr)
	set(&c.DefaultModel, EnvModel)
	set(&c.Backend.Binary, EnvBackendBin)
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

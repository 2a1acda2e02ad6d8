// Package config loads the per-machine settings file (config.json) that holds
// the session signing secret, session timeouts and the default data dir.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plansync/internal/kv"
)

type Config struct {
	// DataDir overrides <config dir>/data when --dir and PLANSYNC_DIR are unset.
	DataDir string `json:"dataDir,omitempty"`

	// SessionSecret is the hex-encoded HMAC key for session tokens. Generated
	// on first use.
	SessionSecret string `json:"sessionSecret,omitempty"`

	IdleTimeoutMinutes   int `json:"idleTimeoutMinutes,omitempty"`
	AbsoluteTimeoutHours int `json:"absoluteTimeoutHours,omitempty"`
}

func ConfigDir() (string, error) {
	// Test/advanced override (keeps unit tests from touching ~/.plansync).
	if v := strings.TrimSpace(os.Getenv("PLANSYNC_CONFIG_DIR")); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".plansync"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return kv.AtomicWriteFile(dir, "config.json.*.tmp", path, b, 0o600)
}

// LoadOrInit loads the config and persists a fresh session secret when none
// exists yet.
func LoadOrInit() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.SessionSecret) != "" {
		return cfg, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	cfg.SessionSecret = hex.EncodeToString(buf)
	if err := Save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Secret() ([]byte, error) {
	s := strings.TrimSpace(c.SessionSecret)
	if s == "" {
		return nil, errors.New("config: session secret is not set")
	}
	return hex.DecodeString(s)
}

// IdleTimeout returns 0 when unset; the session guard applies its default.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) AbsoluteTimeout() time.Duration {
	return time.Duration(c.AbsoluteTimeoutHours) * time.Hour
}

// ResolveDataDir picks the data dir: explicit value, then the config file,
// then <config dir>/data.
func ResolveDataDir(explicit string, cfg *Config) (string, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, nil
	}
	if cfg != nil && strings.TrimSpace(cfg.DataDir) != "" {
		return cfg.DataDir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ResolvePath returns the config file location: explicit path if given,
// else $AEGIS_CONFIG, else ~/.aegis/config.toml.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("AEGIS_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads config from a TOML file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
// Unknown top-level sections or keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("parse config: unknown keys:\n%s", strict.String())
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays AEGIS_* env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AEGIS_TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envStr("AEGIS_LOG_LEVEL", &c.Logging.Level)
	envStr("AEGIS_DB_PATH", &c.Database.Path)

	if v := os.Getenv("AEGIS_TELEGRAM_ALLOWED_USERS"); v != "" {
		var users []int64
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				users = append(users, id)
			}
		}
		if len(users) > 0 {
			c.Telegram.AllowedUsers = users
		}
	}
	if v := os.Getenv("AEGIS_APPROVAL_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Prompts.TimeoutSeconds = secs
		}
	}
}

// PromptTimeout returns the per-prompt TTL as a duration.
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.Prompts.TimeoutSeconds) * time.Second
}

// StuckTimeout returns the stall-heuristic threshold as a duration.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.Prompts.StuckTimeoutSeconds * float64(time.Second))
}

// Save writes the config as TOML with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDataDir creates ~/.aegis with owner-only permissions.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o700)
}

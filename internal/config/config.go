package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DataDirName is the per-user directory holding config, database,
// audit log and PID file. Everything inside is owner-only.
const DataDirName = ".aegis"

// botTokenRe matches the Telegram bot token shape: numeric bot ID,
// colon, 35+ char secret.
var botTokenRe = regexp.MustCompile(`^[0-9]{8,12}:[A-Za-z0-9_-]{35,}$`)

// Config is the root configuration for one aegis invocation.
// Immutable after Load.
type Config struct {
	Telegram TelegramConfig           `toml:"telegram"`
	Prompts  PromptsConfig            `toml:"prompts"`
	Adapters map[string]AdapterConfig `toml:"adapters,omitempty"`
	Logging  LoggingConfig            `toml:"logging"`
	Database DatabaseConfig           `toml:"database,omitempty"`
}

// TelegramConfig holds the bot credentials and the operator allow-list.
type TelegramConfig struct {
	BotToken     string  `toml:"bot_token"`
	AllowedUsers []int64 `toml:"allowed_users"`
}

// PromptsConfig controls prompt routing and timeouts.
type PromptsConfig struct {
	TimeoutSeconds      int     `toml:"timeout_seconds"`
	StuckTimeoutSeconds float64 `toml:"stuck_timeout_seconds"`
	FreeTextEnabled     bool    `toml:"free_text_enabled"`
	YesNoSafeDefault    string  `toml:"yes_no_safe_default"`
	FreeTextMaxChars    int     `toml:"free_text_max_chars"`
}

// AdapterConfig is the per-tool detection tuning.
type AdapterConfig struct {
	DetectionThreshold float64 `toml:"detection_threshold"`
}

// LoggingConfig sets the slog level.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warning, error
}

// DatabaseConfig overrides the SQLite file location.
type DatabaseConfig struct {
	Path string `toml:"path,omitempty"`
}

// DefaultDetectionThreshold is the minimum detector confidence that
// fires a prompt when no per-tool adapter override is configured.
const DefaultDetectionThreshold = 0.65

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Prompts: PromptsConfig{
			TimeoutSeconds:      300,
			StuckTimeoutSeconds: 2.0,
			FreeTextEnabled:     true,
			YesNoSafeDefault:    "n",
			FreeTextMaxChars:    500,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks the loaded config against the documented constraints.
func (c *Config) Validate() error {
	if c.Telegram.BotToken != "" && !botTokenRe.MatchString(c.Telegram.BotToken) {
		return fmt.Errorf("telegram.bot_token has invalid format")
	}
	if c.Prompts.TimeoutSeconds < 60 || c.Prompts.TimeoutSeconds > 3600 {
		return fmt.Errorf("prompts.timeout_seconds must be between 60 and 3600, got %d", c.Prompts.TimeoutSeconds)
	}
	if c.Prompts.StuckTimeoutSeconds <= 0 {
		return fmt.Errorf("prompts.stuck_timeout_seconds must be positive, got %v", c.Prompts.StuckTimeoutSeconds)
	}
	// The yes/no safe default is a safety invariant, not a preference.
	if c.Prompts.YesNoSafeDefault != "n" {
		return fmt.Errorf("prompts.yes_no_safe_default must be %q, got %q", "n", c.Prompts.YesNoSafeDefault)
	}
	if c.Prompts.FreeTextMaxChars <= 0 {
		return fmt.Errorf("prompts.free_text_max_chars must be positive, got %d", c.Prompts.FreeTextMaxChars)
	}
	switch c.Logging.Level {
	case "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warning, error; got %q", c.Logging.Level)
	}
	for tool, a := range c.Adapters {
		if a.DetectionThreshold < 0 || a.DetectionThreshold > 1 {
			return fmt.Errorf("adapters.%s.detection_threshold must be in [0,1], got %v", tool, a.DetectionThreshold)
		}
	}
	return nil
}

// ThresholdFor returns the detection threshold for a tool, falling back
// to the global default when no adapter section is configured.
func (c *Config) ThresholdFor(tool string) float64 {
	if a, ok := c.Adapters[tool]; ok && a.DetectionThreshold > 0 {
		return a.DetectionThreshold
	}
	return DefaultDetectionThreshold
}

// DataDir returns the aegis data directory (~/.aegis).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DataDirName
	}
	return filepath.Join(home, DataDirName)
}

// DatabasePath resolves the SQLite file location.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "aegis.db")
}

// AuditLogPath returns the audit log location inside the data dir.
func AuditLogPath() string {
	return filepath.Join(DataDir(), "audit.log")
}

// PIDFilePath returns the PID file location inside the data dir.
func PIDFilePath() string {
	return filepath.Join(DataDir(), "aegis.pid")
}

// IsAllowedUser reports whether a Telegram user ID is on the allow-list.
func (c *Config) IsAllowedUser(id int64) bool {
	for _, u := range c.Telegram.AllowedUsers {
		if u == id {
			return true
		}
	}
	return false
}

// ABOUTME: Configuration loading for coven-relay.
// ABOUTME: Loads TOML config with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix   MatrixConfig   `toml:"matrix"`
	Claude   ClaudeConfig   `toml:"claude"`
	Sessions SessionsConfig `toml:"sessions"`
	Stream   StreamConfig   `toml:"stream"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Logging  LoggingConfig  `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
}

type ClaudeConfig struct {
	Binary       string `toml:"binary"`
	WorkingDir   string `toml:"working_dir"`
	SystemPrompt string `toml:"system_prompt"`

	AskTimeout  time.Duration `toml:"-"`
	CodeTimeout time.Duration `toml:"-"`

	// Raw string values for TOML decoding
	AskTimeoutRaw  string `toml:"ask_timeout"`
	CodeTimeoutRaw string `toml:"code_timeout"`
}

type SessionsConfig struct {
	Path string `toml:"path"`
}

type StreamConfig struct {
	Enabled bool `toml:"enabled"`
	Ceiling int  `toml:"ceiling"`

	EditInterval time.Duration `toml:"-"`

	EditIntervalRaw string `toml:"edit_interval"`
}

type BridgeConfig struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	AllowedUsers    []string `toml:"allowed_users"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment
// variables and filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	return &Config{
		Claude: ClaudeConfig{
			Binary:      "claude",
			AskTimeout:  5 * time.Minute,
			CodeTimeout: 10 * time.Minute,
		},
		Stream: StreamConfig{
			Enabled:      true,
			Ceiling:      1900,
			EditInterval: 1500 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			CommandPrefix:   "!",
			TypingIndicator: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.Sessions.Path == "" {
		return fmt.Errorf("sessions.path is required")
	}
	if c.Stream.Ceiling <= 0 {
		return fmt.Errorf("stream.ceiling must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Claude.AskTimeoutRaw != "" {
		cfg.Claude.AskTimeout, err = time.ParseDuration(cfg.Claude.AskTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing ask_timeout %q: %w", cfg.Claude.AskTimeoutRaw, err)
		}
	}

	if cfg.Claude.CodeTimeoutRaw != "" {
		cfg.Claude.CodeTimeout, err = time.ParseDuration(cfg.Claude.CodeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing code_timeout %q: %w", cfg.Claude.CodeTimeoutRaw, err)
		}
	}

	if cfg.Stream.EditIntervalRaw != "" {
		cfg.Stream.EditInterval, err = time.ParseDuration(cfg.Stream.EditIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing edit_interval %q: %w", cfg.Stream.EditIntervalRaw, err)
		}
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the agent configuration.
type Config struct {
	// Directory holding one persisted record per session.
	SessionsDir string `toml:"sessions_dir"`

	Log          LogConfig          `toml:"log"`
	Timeouts     TimeoutsConfig     `toml:"timeouts"`
	Capabilities CapabilitiesConfig `toml:"capabilities"`
	Policy       PolicyConfig       `toml:"policy"`
	Auth         AuthConfig         `toml:"auth"`
	Transport    TransportConfig    `toml:"transport"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level     string `toml:"level"`      // debug, info, warn, error
	File      string `toml:"file"`       // empty = stderr only
	TraceFile string `toml:"trace_file"` // turn and tool spans, trace-event JSON
}

// CapabilitiesConfig lists the agent side of capability negotiation.
type CapabilitiesConfig struct {
	LoadSession     bool `toml:"load_session"`
	EmbeddedContext bool `toml:"embedded_context"`
	ToolExecution   bool `toml:"tool_execution"`
}

// PolicyConfig pre-authorizes tool kinds. Calls of these kinds skip the
// permission round trip when every path they touch is inside the session
// working directory.
type PolicyConfig struct {
	AutoApprove []string `toml:"auto_approve"`
}

// TransportConfig bounds the wire.
type TransportConfig struct {
	MaxMessageBytes int `toml:"max_message_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SessionsDir: defaultSessionsDir(),
		Log:         LogConfig{Level: "info"},
		Timeouts:    DefaultTimeoutsConfig(),
		Capabilities: CapabilitiesConfig{
			LoadSession:     true,
			EmbeddedContext: true,
			ToolExecution:   true,
		},
		Transport: TransportConfig{MaxMessageBytes: 32 << 20},
	}
}

// Load reads a TOML configuration file over the defaults. An empty path
// or a missing file yields the defaults. Environment variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		default:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
			}
		}
	}

	if val := os.Getenv("ACP_SESSIONS_DIR"); val != "" {
		cfg.SessionsDir = val
	}
	if val := os.Getenv("ACP_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("ACP_LOG_FILE"); val != "" {
		cfg.Log.File = val
	}
	if v := GetEnvInt("ACP_REQUEST_TIMEOUT", 0); v > 0 {
		cfg.Timeouts.Request = v
	}
	if v := GetEnvInt("ACP_TOOL_TIMEOUT", 0); v > 0 {
		cfg.Timeouts.Tool = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.SessionsDir == "" {
		return errors.New("sessions_dir must not be empty")
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if c.Transport.MaxMessageBytes < 0 {
		return errors.New("transport.max_message_bytes must not be negative")
	}
	for _, kind := range c.Policy.AutoApprove {
		if !validToolKinds[kind] {
			return fmt.Errorf("policy.auto_approve: unknown tool kind %q", kind)
		}
	}
	return c.Auth.validate()
}

var validToolKinds = map[string]bool{
	"read": true, "edit": true, "delete": true, "move": true, "search": true,
	"execute": true, "think": true, "fetch": true, "other": true,
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".acp", "config.toml"), nil
}

func defaultSessionsDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "acp-sessions")
	}
	return filepath.Join(homeDir, ".acp", "sessions")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeoutsConfig holds timeouts in seconds.
type TimeoutsConfig struct {
	Request  int `toml:"request"`  // outbound round trips to the client
	Tool     int `toml:"tool"`     // a single tool execution
	Shutdown int `toml:"shutdown"` // grace for running turns at exit
}

// DefaultTimeoutsConfig returns default timeouts.
func DefaultTimeoutsConfig() TimeoutsConfig {
	return TimeoutsConfig{
		Request:  120,
		Tool:     60,
		Shutdown: 5,
	}
}

// RequestTimeout returns the outbound request timeout.
func (c TimeoutsConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Request) * time.Second
}

// ToolTimeout returns the tool execution timeout.
func (c TimeoutsConfig) ToolTimeout() time.Duration {
	return time.Duration(c.Tool) * time.Second
}

// ShutdownGrace returns the shutdown grace period.
func (c TimeoutsConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.Shutdown) * time.Second
}

func (c TimeoutsConfig) validate() error {
	if c.Request <= 0 {
		return fmt.Errorf("timeouts.request must be positive, got %d", c.Request)
	}
	if c.Tool <= 0 {
		return fmt.Errorf("timeouts.tool must be positive, got %d", c.Tool)
	}
	if c.Shutdown < 0 {
		return fmt.Errorf("timeouts.shutdown must not be negative, got %d", c.Shutdown)
	}
	return nil
}

// GetEnvInt gets an integer environment variable or returns a default.
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

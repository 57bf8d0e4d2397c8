package config

import "fmt"

// ConfigError reports an invalid, missing or incompatible configuration value.
// A run aborts on it before any simulation starts.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func configErrorf(key, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// SettleDelay returns auto_messages.settle_delay, or def when unset.
func (c *Config) SettleDelay(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("auto_messages.settle_delay", c.AutoMessages.SettleDelay, def)
}

// SourceTimeout returns auto_messages.source_timeout, or def when unset.
func (c *Config) SourceTimeout(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("auto_messages.source_timeout", c.AutoMessages.SourceTimeout, def)
}

// PollTimeout returns telegram.poll_timeout, or def when unset.
func (c *Config) PollTimeout(def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, def)
}

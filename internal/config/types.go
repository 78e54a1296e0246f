package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full application configuration. YAML and JSON are both
// accepted; unknown keys are rejected so typos fail loudly at load time.
//
// All durations are Go duration strings (e.g. "30s", "5m", "1h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Calendar CalendarConfig `json:"calendar"`
	Engine   EngineConfig   `json:"engine"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string; default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingChat mirrors warnings and errors into the owner's Telegram chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CalendarConfig struct {
	// CredentialsPath points at the Google API client credentials JSON.
	CredentialsPath string `json:"credentials_path"`
	// RequestsPerSec caps calendar API calls across all users; default 5.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
}

type EngineConfig struct {
	Tick              string `json:"tick,omitempty"`               // default "1m"
	ResolutionTimeout string `json:"resolution_timeout,omitempty"` // default "30m"
	BumpHorizon       string `json:"bump_horizon,omitempty"`       // default "168h"
	DeferExtension    string `json:"defer_extension,omitempty"`    // default "168h"
}

// Validate checks the parts that would otherwise only fail deep inside a
// service at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Calendar.CredentialsPath) == "" {
		return errors.New("calendar.credentials_path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"engine.tick", c.Engine.Tick},
		{"engine.resolution_timeout", c.Engine.ResolutionTimeout},
		{"engine.bump_horizon", c.Engine.BumpHorizon},
		{"engine.defer_extension", c.Engine.DeferExtension},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses an optional Go duration string; empty means zero
// (use the component default).
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

// MustDuration is ParseDurationField for already-validated configs.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDurationField("", raw)
	return d
}

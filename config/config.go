// Package config loads and validates the notifier configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"linuxdo-notifier/state"
)

// Defaults applied by Load.
const (
	DefaultBaseURL        = "https://linux.do"
	DefaultCheckInterval  = 300
	DefaultRequestTimeout = 30 * time.Second
	DefaultStatePath      = "data/state.json"
	DefaultRatePerSec     = 1.0
)

// ChatID is a Telegram chat identifier. The file may hold it as a string or
// as a number.
type ChatID string

// UnmarshalJSON accepts both "-100123" and -100123.
func (c *ChatID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chatId must be a string or a number: %w", err)
	}
	*c = ChatID(n.String())
	return nil
}

// Telegram holds the bot settings.
type Telegram struct {
	BotToken       string  `json:"botToken"`
	ChatID         ChatID  `json:"chatId"`
	APIURL         string  `json:"apiUrl,omitempty"`
	RatePerSec     float64 `json:"ratePerSec,omitempty"`
	DisablePreview bool    `json:"disablePreview,omitempty"`
}

// State selects where the seen-item state is stored.
type State struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Object string `json:"object,omitempty"`
}

// Config is the full notifier configuration. It is not modified after Load.
type Config struct {
	MonitorTopics  *bool    `json:"monitorTopics,omitempty"`
	MonitorReplies *bool    `json:"monitorReplies,omitempty"`
	Cookie         string   `json:"cookie"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	Timezone       string   `json:"timezone,omitempty"`
	State          State    `json:"state"`
	Telegram       Telegram `json:"telegram"`
	MonitorUsers   []string `json:"monitorUsers"`
	CheckInterval  int      `json:"checkInterval,omitempty"`
	RequestTimeout int      `json:"requestTimeout,omitempty"`

	// Not read from the file.
	credentialsJSON string
}

// ValidationError reports a missing or invalid setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// IsValidationError checks if err is a configuration problem.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Load reads the config file at path, applies environment overrides and
// defaults. The result still needs Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ValidationError{Field: "file", Reason: fmt.Sprintf("%q does not exist; copy config.example.json and fill it in", path)}
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes config data. path is only used to pick the format.
func Parse(path string, data []byte) (*Config, error) {
	jsonData, err := toJSON(path, data)
	if err != nil {
		return nil, &ValidationError{Field: "file", Reason: err.Error()}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ValidationError{Field: "file", Reason: "parse: " + err.Error()}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Field: "file", Reason: "trailing data after document"}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LINUXDO_COOKIE"); v != "" {
		c.Cookie = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = ChatID(v)
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.State.Bucket = v
		if c.State.Driver == "" {
			c.State.Driver = "gcs"
		}
	}
	c.credentialsJSON = os.Getenv("GOOGLE_CREDENTIALS_JSON")
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MonitorTopics == nil {
		t := true
		c.MonitorTopics = &t
	}
	if c.MonitorReplies == nil {
		t := true
		c.MonitorReplies = &t
	}
	if c.Telegram.RatePerSec == 0 {
		c.Telegram.RatePerSec = DefaultRatePerSec
	}
	if c.State.Path == "" && c.State.Driver != "gcs" {
		c.State.Path = DefaultStatePath
	}
	c.MonitorUsers = dedupe(c.MonitorUsers)
}

// dedupe trims names and drops blanks and repeats, keeping the first
// occurrence.
func dedupe(users []string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Validate checks required fields and ranges. Telegram settings are only
// required when messages will actually be sent.
func (c *Config) Validate(requireTelegram bool) error {
	if c.Cookie == "" {
		return &ValidationError{Field: "cookie", Reason: "is required"}
	}
	if requireTelegram {
		if c.Telegram.BotToken == "" {
			return &ValidationError{Field: "telegram.botToken", Reason: "is required"}
		}
		if c.Telegram.ChatID == "" {
			return &ValidationError{Field: "telegram.chatId", Reason: "is required"}
		}
	}
	if c.Telegram.RatePerSec < 0 {
		return &ValidationError{Field: "telegram.ratePerSec", Reason: "must not be negative"}
	}
	if len(c.MonitorUsers) == 0 {
		return &ValidationError{Field: "monitorUsers", Reason: "must list at least one user"}
	}
	if c.CheckInterval <= 0 {
		return &ValidationError{Field: "checkInterval", Reason: "must be positive"}
	}
	if c.RequestTimeout < 0 {
		return &ValidationError{Field: "requestTimeout", Reason: "must not be negative"}
	}
	if c.RequestTimeout > 0 && c.RequestTimeout >= c.CheckInterval {
		return &ValidationError{Field: "requestTimeout", Reason: "must be shorter than checkInterval (" + strconv.Itoa(c.CheckInterval) + "s)"}
	}
	if _, err := c.Location(); err != nil {
		return &ValidationError{Field: "timezone", Reason: err.Error()}
	}
	switch strings.ToLower(c.State.Driver) {
	case "", "file", "sqlite", "sqlite3":
	case "gcs":
		if c.State.Bucket == "" {
			return &ValidationError{Field: "state.bucket", Reason: "is required for the gcs driver"}
		}
	default:
		return &ValidationError{Field: "state.driver", Reason: fmt.Sprintf("unknown driver %q", c.State.Driver)}
	}
	return nil
}

// Interval returns the check interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// Timeout returns the per-request timeout. Without an explicit
// requestTimeout it is DefaultRequestTimeout, capped at half the interval.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeout > 0 {
		return time.Duration(c.RequestTimeout) * time.Second
	}
	return min(DefaultRequestTimeout, c.Interval()/2)
}

// Location resolves Timezone, defaulting to the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return loc, nil
}

// WatchTopics reports whether new topics are monitored.
func (c *Config) WatchTopics() bool { return c.MonitorTopics == nil || *c.MonitorTopics }

// WatchReplies reports whether new replies are monitored.
func (c *Config) WatchReplies() bool { return c.MonitorReplies == nil || *c.MonitorReplies }

// StateConfig returns the backend settings for state.OpenBackend.
func (c *Config) StateConfig() state.Config {
	return state.Config{
		Driver:          c.State.Driver,
		Path:            c.State.Path,
		Bucket:          c.State.Bucket,
		Object:          c.State.Object,
		CredentialsJSON: c.credentialsJSON,
	}
}

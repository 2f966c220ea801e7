package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration file. Values missing from the file
// keep their defaults; environment variables and flags override the file.
type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Channel      ChannelConfig      `yaml:"channel"`
	Registration RegistrationConfig `yaml:"registration"`
	Poller       PollerConfig       `yaml:"poller"`
	Audio        AudioConfig        `yaml:"audio"`
	Automation   AutomationConfig   `yaml:"automation"`
	Log          LogSection         `yaml:"log"`
}

// DeviceConfig selects how commands reach the device.
type DeviceConfig struct {
	// ID is the identifier the dispatcher addresses this agent by. When
	// empty the device serial is used.
	ID string `yaml:"id"`
	// Executor is "local" when running on the device (Termux) or "adb".
	Executor       string        `yaml:"executor"`
	Serial         string        `yaml:"serial"`
	AdbPath        string        `yaml:"adb_path"`
	Platform       string        `yaml:"platform"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ChannelConfig configures the dispatcher connection.
type ChannelConfig struct {
	URL               string        `yaml:"url"`
	Connection        string        `yaml:"connection"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatWarmup   time.Duration `yaml:"heartbeat_warmup"`
	WarmupCycles      int           `yaml:"warmup_cycles"`
}

// RegistrationConfig configures the startup registration check. An empty
// URL disables the check.
type RegistrationConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollerConfig configures SMS polling.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Limit       int           `yaml:"limit"`
	SkipBacklog bool          `yaml:"skip_backlog"`
}

// AudioConfig configures call audio capture.
type AudioConfig struct {
	Root               bool    `yaml:"root"`
	Rate               int     `yaml:"rate"`
	Channels           int     `yaml:"channels"`
	ChunkSize          int     `yaml:"chunk_size"`
	MaxChunksPerSecond float64 `yaml:"max_chunks_per_second"`
}

// AutomationConfig tunes the UI flows.
type AutomationConfig struct {
	WhatsAppPackage string        `yaml:"whatsapp_package"`
	StepDelay       time.Duration `yaml:"step_delay"`
	LaunchDelay     time.Duration `yaml:"launch_delay"`
	DialogWindow    time.Duration `yaml:"dialog_window"`
	USSDWindow      time.Duration `yaml:"ussd_window"`
	DefaultHold     time.Duration `yaml:"default_hold"`
	MinCallDuration time.Duration `yaml:"min_call_duration"`
	CountryCode     string        `yaml:"country_code"`
	RecordAppCalls  bool          `yaml:"record_app_calls"`
}

// LogSection configures logging.
type LogSection struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Executor:       "local",
			AdbPath:        "adb",
			Platform:       "termux",
			CommandTimeout: 30 * time.Second,
		},
		Channel: ChannelConfig{
			Connection:        "TERMUX",
			ReconnectDelay:    5 * time.Second,
			HeartbeatInterval: 30 * time.Minute,
			HeartbeatWarmup:   30 * time.Second,
			WarmupCycles:      3,
		},
		Registration: RegistrationConfig{
			Timeout: 10 * time.Second,
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: 3 * time.Second,
			Limit:    50,
		},
		Audio: AudioConfig{
			Rate:      16000,
			Channels:  1,
			ChunkSize: 4096,
		},
		Automation: AutomationConfig{
			WhatsAppPackage: "com.whatsapp.w4b",
			StepDelay:       time.Second,
			LaunchDelay:     2 * time.Second,
			DialogWindow:    3 * time.Second,
			USSDWindow:      15 * time.Second,
			DefaultHold:     10 * time.Second,
			MinCallDuration: 10 * time.Second,
			CountryCode:     "62",
		},
		Log: LogSection{
			Level:   "info",
			Console: true,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigPathFromEnv returns RELAY_CONFIG.
func ConfigPathFromEnv() string {
	return os.Getenv("RELAY_CONFIG")
}

// ApplyEnv overrides values from the environment:
// BRIDGE_WS, HEARTBEAT_INTERVAL (seconds), USE_ROOT_AUDIO and RELAY_DEVICE_ID.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("BRIDGE_WS"); v != "" {
		c.Channel.URL = v
	}
	if v := getenv("HEARTBEAT_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("HEARTBEAT_INTERVAL: invalid seconds %q", v)
		}
		c.Channel.HeartbeatInterval = time.Duration(secs) * time.Second
	}
	if v := getenv("USE_ROOT_AUDIO"); v != "" {
		c.Audio.Root = strings.EqualFold(v, "true") || v == "1"
	}
	if v := getenv("RELAY_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	return nil
}

// Validation errors.
var (
	ErrNoChannelURL = errors.New("channel url is required")
	ErrBadExecutor  = errors.New(`device executor must be "local" or "adb"`)
)

// Validate checks the settings the agent cannot run without.
func (c *Config) Validate() error {
	if c.Channel.URL == "" {
		return ErrNoChannelURL
	}
	u, err := url.Parse(c.Channel.URL)
	if err != nil {
		return fmt.Errorf("channel url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("channel url: scheme must be ws or wss, got %q", u.Scheme)
	}
	switch c.Device.Executor {
	case "local", "adb":
	default:
		return ErrBadExecutor
	}
	if c.Channel.HeartbeatInterval <= 0 {
		return errors.New("channel heartbeat_interval must be positive")
	}
	if c.Channel.ReconnectDelay <= 0 {
		return errors.New("channel reconnect_delay must be positive")
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return errors.New("poller interval must be positive")
	}
	if c.Automation.MinCallDuration <= 0 {
		return errors.New("automation min_call_duration must be positive")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Registration.URL != "" {
		if u, err := url.Parse(c.Registration.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("registration url %q must be http or https", c.Registration.URL)
		}
	}
	return nil
}

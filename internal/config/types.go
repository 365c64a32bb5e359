package config

import "time"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Matching controls candidate search and radius expansion.
	Matching MatchingConfig `json:"matching"`

	// Timeouts controls the order lifecycle fallback jobs.
	Timeouts TimeoutsConfig `json:"timeouts"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OperatorIDs receive dispute and low-rating escalations.
	OperatorIDs []int64 `json:"operator_ids"`

	// PollTimeout is a Go duration string; used only when the Telegram
	// adapter is enabled.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite store.
//
// Example:
//
//	"storage": { "path": "./gigbot.db", "busy_timeout": "30s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// MatchingConfig holds the geo search knobs. Distances are kilometres.
//
// Defaults (when fields are omitted/zero):
//   - initial_radius_km: 3.5
//   - step_km: 1
//   - interval: "5m"
//   - max_radius_km: 30
//   - max_notify: 50
type MatchingConfig struct {
	InitialRadiusKm float64 `json:"initial_radius_km,omitempty"`
	StepKm          float64 `json:"step_km,omitempty"`
	Interval        string  `json:"interval,omitempty"` // Go duration string
	MaxRadiusKm     float64 `json:"max_radius_km,omitempty"`
	MaxNotify       int     `json:"max_notify,omitempty"`
}

// TimeoutsConfig holds the one-shot fallback delays.
//
// Defaults: confirmation "60s", auto_release "24h".
type TimeoutsConfig struct {
	Confirmation string `json:"confirmation,omitempty"` // Go duration string
	AutoRelease  string `json:"auto_release,omitempty"` // Go duration string
}

type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"` // Go duration string
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async outbound pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// Matching runtime view with durations parsed.
type MatchingSettings struct {
	InitialRadiusKm float64
	StepKm          float64
	Interval        time.Duration
	MaxRadiusKm     float64
	MaxNotify       int
}

type TimeoutSettings struct {
	Confirmation time.Duration
	AutoRelease  time.Duration
}

// MatchingSettings resolves defaults and parses duration fields.
func (c *Config) MatchingSettings() (MatchingSettings, error) {
	s := MatchingSettings{
		InitialRadiusKm: c.Matching.InitialRadiusKm,
		StepKm:          c.Matching.StepKm,
		MaxRadiusKm:     c.Matching.MaxRadiusKm,
		MaxNotify:       c.Matching.MaxNotify,
	}
	if s.InitialRadiusKm <= 0 {
		s.InitialRadiusKm = 3.5
	}
	if s.StepKm <= 0 {
		s.StepKm = 1
	}
	if s.MaxRadiusKm <= 0 {
		s.MaxRadiusKm = 30
	}
	if s.MaxNotify <= 0 {
		s.MaxNotify = 50
	}
	iv, err := ParseDurationOrDefault("matching.interval", c.Matching.Interval, 5*time.Minute)
	if err != nil {
		return MatchingSettings{}, err
	}
	s.Interval = iv
	return s, nil
}

// TimeoutSettings resolves defaults and parses duration fields.
func (c *Config) TimeoutSettings() (TimeoutSettings, error) {
	conf, err := ParseDurationOrDefault("timeouts.confirmation", c.Timeouts.Confirmation, 60*time.Second)
	if err != nil {
		return TimeoutSettings{}, err
	}
	rel, err := ParseDurationOrDefault("timeouts.auto_release", c.Timeouts.AutoRelease, 24*time.Hour)
	if err != nil {
		return TimeoutSettings{}, err
	}
	return TimeoutSettings{Confirmation: conf, AutoRelease: rel}, nil
}

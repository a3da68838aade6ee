// Package config resolves runtime settings by layering, in increasing
// priority: built-in defaults, an optional YAML tuning file, and environment
// variables. The tuning file load is tolerant of a missing file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TuningFileName is the optional file, resolved relative to the working
// directory the server is started from, that overrides numeric/duration
// defaults without needing an environment variable per field.
const TuningFileName = "pocketd.yaml"

// Tuning mirrors Settings' adjustable fields as their YAML-friendly
// representation: durations are strings parsed with time.ParseDuration.
type Tuning struct {
	MaxInstances        int    `yaml:"max_instances,omitempty"`
	IdleTimeout         string `yaml:"idle_timeout,omitempty"`
	RestartWindow       string `yaml:"restart_window,omitempty"`
	MaxRestartAttempts  int    `yaml:"max_restart_attempts,omitempty"`
	AutoRestartDelay    string `yaml:"auto_restart_delay,omitempty"`
	SaveDebounce        string `yaml:"save_debounce,omitempty"`
	BatchDelay          string `yaml:"batch_delay,omitempty"`
	IdleThreshold       string `yaml:"idle_threshold,omitempty"`
	BufferLookback      int    `yaml:"buffer_lookback,omitempty"`
	ConfidenceThreshold int    `yaml:"confidence_threshold,omitempty"`
	ExpiryMs            string `yaml:"expiry,omitempty"`
	MinSubstantiveChars int    `yaml:"min_substantive_chars,omitempty"`
	LongTaskThreshold   string `yaml:"long_task_threshold,omitempty"`
	HeartbeatInterval   string `yaml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout    string `yaml:"heartbeat_timeout,omitempty"`
	OpenTimeout         string `yaml:"open_timeout,omitempty"`
	GitProbeTimeout     string `yaml:"git_probe_timeout,omitempty"`
	MaxBytes            int    `yaml:"max_bytes,omitempty"`
	MaxLines            int    `yaml:"max_lines,omitempty"`
	Cols                int    `yaml:"cols,omitempty"`
	Rows                int    `yaml:"rows,omitempty"`
}

// LoadTuning reads pocketd.yaml from dir. A missing file is not an error: it
// returns a zero-value Tuning so every field falls through to its default.
func LoadTuning(dir string) (*Tuning, error) {
	t := &Tuning{}
	data, err := os.ReadFile(filepath.Join(dir, TuningFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Settings is the fully-resolved runtime configuration.
type Settings struct {
	Port           string
	Host           string
	ClaudeCommand  string
	AllowedOrigins []string

	MaxInstances        int
	IdleTimeout         time.Duration
	RestartWindow       time.Duration
	MaxRestartAttempts  int
	AutoRestartDelay    time.Duration
	SaveDebounce        time.Duration
	BatchDelay          time.Duration
	IdleThreshold       time.Duration
	BufferLookback      int
	ConfidenceThreshold int
	ExpiryMs            time.Duration
	MinSubstantiveChars int
	LongTaskThreshold   time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	OpenTimeout         time.Duration
	GitProbeTimeout     time.Duration
	MaxBytes            int
	MaxLines            int
	Cols                int
	Rows                int
}

// Defaults returns the built-in settings, matching each component package's
// own DefaultXxx constants.
func Defaults() Settings {
	return Settings{
		Port:           "4501",
		Host:           "0.0.0.0",
		ClaudeCommand:  "claude",
		AllowedOrigins: []string{"*"},

		MaxInstances:        10,
		IdleTimeout:         30 * time.Minute,
		RestartWindow:       30 * time.Second,
		MaxRestartAttempts:  3,
		AutoRestartDelay:    1 * time.Second,
		SaveDebounce:        500 * time.Millisecond,
		BatchDelay:          50 * time.Millisecond,
		IdleThreshold:       800 * time.Millisecond,
		BufferLookback:      1500,
		ConfidenceThreshold: 30,
		ExpiryMs:            60 * time.Second,
		MinSubstantiveChars: 50,
		LongTaskThreshold:   60 * time.Second,
		HeartbeatInterval:   25 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		OpenTimeout:         10 * time.Second,
		GitProbeTimeout:     1 * time.Second,
		MaxBytes:            5 * 1024 * 1024,
		MaxLines:            4500,
		Cols:                80,
		Rows:                24,
	}
}

// Load resolves Settings by layering a tuning file found in dir over the
// defaults, then applying environment variable overrides on top.
func Load(dir string) (Settings, error) {
	s := Defaults()

	tuning, err := LoadTuning(dir)
	if err != nil {
		return s, err
	}
	s.applyTuning(*tuning)
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyTuning(t Tuning) {
	if t.MaxInstances > 0 {
		s.MaxInstances = t.MaxInstances
	}
	if t.MaxRestartAttempts > 0 {
		s.MaxRestartAttempts = t.MaxRestartAttempts
	}
	if t.BufferLookback > 0 {
		s.BufferLookback = t.BufferLookback
	}
	if t.ConfidenceThreshold > 0 {
		s.ConfidenceThreshold = t.ConfidenceThreshold
	}
	if t.MinSubstantiveChars > 0 {
		s.MinSubstantiveChars = t.MinSubstantiveChars
	}
	if t.MaxBytes > 0 {
		s.MaxBytes = t.MaxBytes
	}
	if t.MaxLines > 0 {
		s.MaxLines = t.MaxLines
	}
	if t.Cols > 0 {
		s.Cols = t.Cols
	}
	if t.Rows > 0 {
		s.Rows = t.Rows
	}

	applyDuration(&s.IdleTimeout, t.IdleTimeout)
	applyDuration(&s.RestartWindow, t.RestartWindow)
	applyDuration(&s.AutoRestartDelay, t.AutoRestartDelay)
	applyDuration(&s.SaveDebounce, t.SaveDebounce)
	applyDuration(&s.BatchDelay, t.BatchDelay)
	applyDuration(&s.IdleThreshold, t.IdleThreshold)
	applyDuration(&s.ExpiryMs, t.ExpiryMs)
	applyDuration(&s.LongTaskThreshold, t.LongTaskThreshold)
	applyDuration(&s.HeartbeatInterval, t.HeartbeatInterval)
	applyDuration(&s.HeartbeatTimeout, t.HeartbeatTimeout)
	applyDuration(&s.OpenTimeout, t.OpenTimeout)
	applyDuration(&s.GitProbeTimeout, t.GitProbeTimeout)
}

// applyDuration overrides dst with raw parsed as a duration, leaving dst
// untouched if raw is empty or fails to parse.
func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		s.Port = v
	}
	if v := os.Getenv("HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("CLAUDE_COMMAND"); v != "" {
		s.ClaudeCommand = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		if v == "*" {
			s.AllowedOrigins = []string{"*"}
		} else {
			parts := strings.Split(v, ",")
			origins := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					origins = append(origins, p)
				}
			}
			s.AllowedOrigins = origins
		}
	}
	if v := os.Getenv("MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxInstances = n
		}
	}
}

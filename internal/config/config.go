// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides the pmdstream configuration file format.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kortschak/pmdstream/pmd"
)

// Transport names.
const (
	BlueZ = "bluez" // tinygo.org/x/bluetooth, BlueZ over D-Bus on linux
	HCI   = "hci"   // github.com/go-ble/ble on a raw HCI socket
)

// Config holds all application configuration.
type Config struct {
	// Name is the case-sensitive substring an advertised
	// name must contain for the device to be used.
	Name        string        `yaml:"name"`
	LogLevel    string        `yaml:"log_level"`
	Transport   string        `yaml:"transport"`
	HCIDevice   int           `yaml:"hci_device"`
	ScanTimeout time.Duration `yaml:"scan_timeout"` // zero scans until interrupted
	Retry       RetryConfig   `yaml:"retry"`
	QueueSize   int           `yaml:"queue_size"`
	MetricsAddr string        `yaml:"metrics_addr"`
	HeartRate   bool          `yaml:"heart_rate"`
	Battery     bool          `yaml:"battery"`
	DeviceInfo  bool          `yaml:"device_info"`

	// Streams holds measurement stream configurations keyed
	// by measurement label, for example "ACC".
	Streams map[string]StreamConfig `yaml:"streams"`
}

// RetryConfig holds connection retry settings.
type RetryConfig struct {
	// MaxAttempts is the number of connection attempts made
	// before a device is abandoned. Zero retries until the
	// program is interrupted.
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// StreamConfig holds measurement stream settings. Zero valued settings
// use the measurement type's defaults.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SampleRate uint16 `yaml:"sample_rate"`
	Resolution uint16 `yaml:"resolution"`
	Range      uint16 `yaml:"range"`
	Channels   uint8  `yaml:"channels"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Name:      "Polar",
		LogLevel:  "info",
		Transport: BlueZ,
		Retry: RetryConfig{
			MaxAttempts: 5,
			Backoff:     500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
		},
		QueueSize:  pmd.DefaultQueueSize,
		HeartRate:  true,
		Battery:    true,
		DeviceInfo: true,
		Streams: map[string]StreamConfig{
			"ACC":  {Enabled: true},
			"ECG":  {Enabled: true},
			"PPG":  {Enabled: true},
			"PPI":  {Enabled: true},
			"GYRO": {Enabled: false},
			"MAG":  {Enabled: false},
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case BlueZ, HCI:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", BlueZ, HCI, c.Transport)
	}

	if c.HCIDevice < 0 {
		return fmt.Errorf("hci_device must be >= 0")
	}

	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must be >= 0")
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must be >= 0")
	}
	if c.Retry.MaxBackoff != 0 && c.Retry.MaxBackoff < c.Retry.Backoff {
		return fmt.Errorf("retry.max_backoff must be >= retry.backoff")
	}

	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0")
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	seen := make(map[pmd.MeasureType]string)
	for label := range c.Streams {
		m, err := pmd.ParseMeasureType(label)
		if err != nil {
			return fmt.Errorf("streams: %w", err)
		}
		if prev, ok := seen[m]; ok {
			return fmt.Errorf("streams: %q and %q both configure %s", prev, label, m)
		}
		seen[m] = label
	}

	return nil
}

// EnabledStreams returns the measurement types of the enabled streams
// in measurement type order.
func (c *Config) EnabledStreams() []pmd.MeasureType {
	var types []pmd.MeasureType
	for label, s := range c.Streams {
		if !s.Enabled {
			continue
		}
		m, err := pmd.ParseMeasureType(label)
		if err != nil {
			continue
		}
		types = append(types, m)
	}
	slices.Sort(types)
	return types
}

// Stream returns the configuration for the measurement type m.
func (c *Config) Stream(m pmd.MeasureType) StreamConfig {
	for label, s := range c.Streams {
		if t, err := pmd.ParseMeasureType(label); err == nil && t == m {
			return s
		}
	}
	return StreamConfig{}
}

// Settings returns the start settings for the measurement type m.
// Configured values replace the defaults for m.
func (s StreamConfig) Settings(m pmd.MeasureType) []pmd.Setting {
	settings := slices.Clone(pmd.DefaultSettings(m))
	if s.SampleRate != 0 {
		settings = override(settings, pmd.Uint16{Type: pmd.SampleRateSetting, Val: []uint16{s.SampleRate}})
	}
	if s.Resolution != 0 {
		settings = override(settings, pmd.Uint16{Type: pmd.ResolutionSetting, Val: []uint16{s.Resolution}})
	}
	if s.Range != 0 {
		settings = override(settings, pmd.Uint16{Type: pmd.RangeUnitSetting, Val: []uint16{s.Range}})
	}
	if s.Channels != 0 {
		settings = override(settings, pmd.Uint8{Type: pmd.ChannelsSetting, Val: []uint8{s.Channels}})
	}
	return settings
}

func override(settings []pmd.Setting, set pmd.Setting) []pmd.Setting {
	typ, _ := settingType(set)
	for i, s := range settings {
		if t, ok := settingType(s); ok && t == typ {
			settings[i] = set
			return settings
		}
	}
	settings = append(settings, set)
	slices.SortStableFunc(settings, func(a, b pmd.Setting) int {
		ta, _ := settingType(a)
		tb, _ := settingType(b)
		return int(ta) - int(tb)
	})
	return settings
}

func settingType(s pmd.Setting) (pmd.SettingType, bool) {
	switch s := s.(type) {
	case pmd.Uint8:
		return s.Type, true
	case pmd.Uint16:
		return s.Type, true
	case pmd.Float32:
		return s.Type, true
	default:
		return 0, false
	}
}

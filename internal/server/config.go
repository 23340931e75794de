// ABOUTME: YAML configuration for the Hearback ingest daemon
// ABOUTME: Maps file settings onto server and session configuration
package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

// Duration wraps time.Duration with YAML string parsing ("50ms", "2s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// DomainConfig declares one clock domain in the config file.
type DomainConfig struct {
	ID              string   `yaml:"id"`
	Resolution      Duration `yaml:"resolution"`
	BaseEpoch       int64    `yaml:"base_epoch"`
	BufferDepth     int      `yaml:"buffer_depth"`
	SystemicLatency Duration `yaml:"systemic_latency"`
}

// PairConfig declares one latency pair to measure.
type PairConfig struct {
	Stimulus string   `yaml:"stimulus"`
	Response string   `yaml:"response"`
	Window   Duration `yaml:"window"`
}

// FileConfig is the on-disk daemon configuration.
type FileConfig struct {
	Name     string         `yaml:"name"`
	Listen   string         `yaml:"listen"`
	Domains  []DomainConfig `yaml:"domains"`
	Priority []string       `yaml:"priority"`
	Pairs    []PairConfig   `yaml:"pairs"`

	MaxLateness           Duration `yaml:"max_lateness"`
	HoldTimeout           Duration `yaml:"hold_timeout"`
	PollInterval          Duration `yaml:"poll_interval"`
	MinCalibrationSamples int      `yaml:"min_calibration_samples"`
	ConfidenceThreshold   Duration `yaml:"confidence_threshold"`
	DriftWindow           Duration `yaml:"drift_window"`
	OutlierSigma          float64  `yaml:"outlier_sigma"`
	MaxRefitAttempts      int      `yaml:"max_refit_attempts"`
	RegressionTolerance   Duration `yaml:"regression_tolerance"`
}

// LoadConfig reads and parses a daemon configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes.
func ParseConfig(data []byte) (Config, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{
		Name:    fc.Name,
		Listen:  fc.Listen,
		Session: fc.sessionConfig(),
	}
	if cfg.Name == "" {
		cfg.Name = "hearback"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":9137"
	}
	return cfg, nil
}

func (fc FileConfig) sessionConfig() hearback.Config {
	sc := hearback.Config{
		MaxLateness:           time.Duration(fc.MaxLateness),
		HoldTimeout:           time.Duration(fc.HoldTimeout),
		PollInterval:          time.Duration(fc.PollInterval),
		MinCalibrationSamples: fc.MinCalibrationSamples,
		ConfidenceThreshold:   time.Duration(fc.ConfidenceThreshold),
		DriftWindow:           time.Duration(fc.DriftWindow),
		OutlierSigma:          fc.OutlierSigma,
		MaxRefitAttempts:      fc.MaxRefitAttempts,
		RegressionTolerance:   time.Duration(fc.RegressionTolerance),
	}
	for _, d := range fc.Domains {
		sc.Domains = append(sc.Domains, timeline.DomainSpec{
			ID:              timeline.DomainID(d.ID),
			Resolution:      time.Duration(d.Resolution),
			BaseEpoch:       d.BaseEpoch,
			BufferDepth:     d.BufferDepth,
			SystemicLatency: time.Duration(d.SystemicLatency),
		})
	}
	for _, p := range fc.Priority {
		sc.DomainPriority = append(sc.DomainPriority, timeline.DomainID(p))
	}
	for _, p := range fc.Pairs {
		sc.Pairs = append(sc.Pairs, hearback.LatencyPair{
			Stimulus: timeline.DomainID(p.Stimulus),
			Response: timeline.DomainID(p.Response),
			Window:   time.Duration(p.Window),
		})
	}
	return sc
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/device/sim"
	"github.com/srg/mindlink/internal/features"
	"github.com/srg/mindlink/internal/publish"
	"github.com/srg/mindlink/internal/stream"
	"github.com/srg/mindlink/internal/supervisor"
	"github.com/srg/mindlink/monitor"
	"github.com/srg/mindlink/scanner"
	"gopkg.in/yaml.v3"
)

// ScanConfig is the YAML form of scanner.ScanOptions
type ScanConfig struct {
	Duration        time.Duration `yaml:"duration" default:"10s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
	ServiceUUIDs    []string      `yaml:"service_uuids"`
	AllowList       []string      `yaml:"allow_list"`
	BlockList       []string      `yaml:"block_list"`
	AnyVendor       bool          `yaml:"any_vendor" default:"false"`
}

// Options converts the section into scanner options
func (c ScanConfig) Options() *scanner.ScanOptions {
	opts := scanner.DefaultScanOptions()
	opts.Duration = c.Duration
	opts.AllowDuplicates = c.AllowDuplicates
	opts.ServiceUUIDs = device.NormalizeUUIDs(c.ServiceUUIDs)
	opts.AllowList = c.AllowList
	opts.BlockList = c.BlockList
	if c.AnyVendor {
		opts.Filter = scanner.Any
	}
	return opts
}

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Output   string `yaml:"output" default:"table"`

	Scan     ScanConfig        `yaml:"scan"`
	Link     supervisor.Config `yaml:"link"`
	Stream   stream.Config     `yaml:"stream"`
	Features features.Config   `yaml:"features"`
	Publish  publish.Config    `yaml:"publish"`
	Sim      sim.Config        `yaml:"sim"`
}

// OutputFormats lists the accepted values of Output
var OutputFormats = []string{"table", "json"}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	valid := false
	for _, f := range OutputFormats {
		if c.Output == f {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("output: unknown format %q (want %s)", c.Output, strings.Join(OutputFormats, ", "))
	}
	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must not be negative")
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Features.Validate(); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	if c.Sim.SamplingRate != c.Stream.SamplingRate {
		return fmt.Errorf("sim.sampling_rate %g differs from stream.sampling_rate %g", c.Sim.SamplingRate, c.Stream.SamplingRate)
	}
	return nil
}

// MonitorOptions builds the monitor options from the link, stream and feature sections
func (c *Config) MonitorOptions() monitor.Options {
	opts := monitor.DefaultOptions()
	opts.Link = c.Link
	opts.Stream = c.Stream
	opts.Features = c.Features
	return opts
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

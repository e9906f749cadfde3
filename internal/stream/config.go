package stream

import (
	"fmt"
	"time"

	"github.com/srg/mindlink/internal/dsp"
	"github.com/srg/mindlink/internal/ingest"
)

// Config controls processing cadence, pacing and buffer bounds
type Config struct {
	SamplingRate    float64       `yaml:"sampling_rate" default:"512"`
	ProcessInterval time.Duration `yaml:"process_interval" default:"250ms"`
	IdleInterval    time.Duration `yaml:"idle_interval" default:"1s"`
	IdleThreshold   int           `yaml:"idle_threshold" default:"8"`
	EmitInterval    time.Duration `yaml:"emit_interval" default:"16ms"`
	MinBacklog      time.Duration `yaml:"min_backlog" default:"1s"`
	MaxBacklog      time.Duration `yaml:"max_backlog" default:"3s"`
	Window          int           `yaml:"window" default:"2048"`
	Filter          dsp.Design    `yaml:"filter"`
}

func DefaultConfig() Config {
	return Config{
		SamplingRate:    512,
		ProcessInterval: 250 * time.Millisecond,
		IdleInterval:    time.Second,
		IdleThreshold:   8,
		EmitInterval:    16 * time.Millisecond,
		MinBacklog:      time.Second,
		MaxBacklog:      3 * time.Second,
		Window:          ingest.DefaultWindow,
		Filter:          dsp.DefaultDesign(),
	}
}

// MinBacklogSamples is the backlog required before emission starts
func (c Config) MinBacklogSamples() int {
	return int(c.SamplingRate * c.MinBacklog.Seconds())
}

// MaxQueueSamples is the hard cap of the micro-queue
func (c Config) MaxQueueSamples() int {
	return int(c.SamplingRate * c.MaxBacklog.Seconds())
}

func (c Config) Validate() error {
	switch {
	case c.SamplingRate <= 0:
		return fmt.Errorf("sampling rate must be positive, got %g", c.SamplingRate)
	case c.ProcessInterval <= 0 || c.IdleInterval <= 0 || c.EmitInterval <= 0:
		return fmt.Errorf("process, idle and emit intervals must be positive")
	case c.IdleThreshold < 1:
		return fmt.Errorf("idle threshold must be >= 1, got %d", c.IdleThreshold)
	case c.Window <= 0:
		return fmt.Errorf("window must be positive, got %d", c.Window)
	case c.MaxQueueSamples() < 1:
		return fmt.Errorf("max backlog %s holds no samples at %g Hz", c.MaxBacklog, c.SamplingRate)
	case c.MinBacklogSamples() > c.MaxQueueSamples():
		return fmt.Errorf("min backlog %s exceeds max backlog %s", c.MinBacklog, c.MaxBacklog)
	}
	if _, err := c.Filter.Build(c.SamplingRate); err != nil {
		return err
	}
	return nil
}

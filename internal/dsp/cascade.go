package dsp

import "fmt"

// Design holds the corner frequencies of the three-stage cascade
type Design struct {
	HighPassHz float64 `yaml:"high_pass_hz" default:"0.5"`
	NotchHz    float64 `yaml:"notch_hz" default:"50"`
	NotchQ     float64 `yaml:"notch_q" default:"30"`
	LowPassHz  float64 `yaml:"low_pass_hz" default:"45"`
}

// DefaultDesign removes baseline drift below 0.5 Hz, 50 Hz mains and content above 45 Hz
func DefaultDesign() Design {
	return Design{
		HighPassHz: 0.5,
		NotchHz:    50,
		NotchQ:     30,
		LowPassHz:  45,
	}
}

// Cascade applies its stages in order: high-pass, notch, low-pass.
// State persists across Process calls until Reset.
type Cascade struct {
	stages []*Biquad
}

// Build computes coefficients once for the given sample rate
func (d Design) Build(sampleRate float64) (*Cascade, error) {
	hp, err := HighPass(sampleRate, d.HighPassHz, Butterworth)
	if err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}
	n, err := Notch(sampleRate, d.NotchHz, d.NotchQ)
	if err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}
	lp, err := LowPass(sampleRate, d.LowPassHz, Butterworth)
	if err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}
	return NewCascade(hp, n, lp), nil
}

func NewCascade(stages ...Coefficients) *Cascade {
	c := &Cascade{stages: make([]*Biquad, len(stages))}
	for i, s := range stages {
		c.stages[i] = NewBiquad(s)
	}
	return c
}

// Process filters in into a new slice of the same length
func (c *Cascade) Process(in []float64) []float64 {
	out := make([]float64, len(in))
	c.ProcessInto(out, in)
	return out
}

// ProcessInto filters in into out; out must be at least len(in). in and out may alias.
func (c *Cascade) ProcessInto(out, in []float64) {
	for i, x := range in {
		for _, s := range c.stages {
			x = s.Process(x)
		}
		out[i] = x
	}
}

// Magnitude returns the combined |H| at frequency f
func (c *Cascade) Magnitude(f, sampleRate float64) float64 {
	m := 1.0
	for _, s := range c.stages {
		m *= s.c.Magnitude(f, sampleRate)
	}
	return m
}

// Stages returns the number of stages
func (c *Cascade) Stages() int {
	return len(c.stages)
}

// Reset clears every stage's history
func (c *Cascade) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}

// Package features turns the paced filtered stream into overlapping windows
// of spectral band powers.
package features

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Band is a named frequency range [Low, High)
type Band struct {
	Name string
	Low  float64
	High float64
}

// DefaultBands are the standard EEG bands
var DefaultBands = []Band{
	{Name: "delta", Low: 0.5, High: 4},
	{Name: "theta", Low: 4, High: 8},
	{Name: "alpha", Low: 8, High: 13},
	{Name: "beta", Low: 13, High: 30},
	{Name: "gamma", Low: 30, High: 45},
}

type Config struct {
	Window time.Duration `yaml:"window" default:"2s"`
	Step   time.Duration `yaml:"step" default:"1s"`
}

func DefaultConfig() Config {
	return Config{Window: 2 * time.Second, Step: time.Second}
}

func (c Config) Validate() error {
	if c.Window <= 0 || c.Step <= 0 {
		return fmt.Errorf("feature window and step must be positive")
	}
	if c.Step > c.Window {
		return fmt.Errorf("feature step %s exceeds window %s", c.Step, c.Window)
	}
	return nil
}

// Window is one feature record
type Window struct {
	Start        time.Time                               `json:"start"`
	End          time.Time                               `json:"end"`
	SamplingRate float64                                 `json:"sampling_rate"`
	Samples      int                                     `json:"samples"`
	Bands        *orderedmap.OrderedMap[string, float64] `json:"bands"`
	Mean         float64                                 `json:"mean"`
	RMS          float64                                 `json:"rms"`
}

// Extractor windows incoming slices. Not safe for concurrent use.
type Extractor struct {
	cfg    Config
	bands  []Band
	logger *logrus.Logger

	rate    float64
	buf     []float64
	t0      time.Time
	dropped int
}

func New(cfg Config, logger *logrus.Logger) (*Extractor, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{cfg: cfg, bands: DefaultBands, logger: logger}, nil
}

// Consume appends samples whose first element was taken at ts and returns every window completed
func (e *Extractor) Consume(samples []float64, rate float64, ts time.Time) []Window {
	if rate <= 0 || len(samples) == 0 {
		return nil
	}
	if rate != e.rate {
		if e.rate != 0 {
			e.logger.WithFields(logrus.Fields{
				"old_rate": e.rate,
				"new_rate": rate,
			}).Debug("Sampling rate changed, restarting feature windows")
		}
		e.Reset()
		e.rate = rate
	}
	if len(e.buf) == 0 && e.dropped == 0 {
		e.t0 = ts
	}
	e.buf = append(e.buf, samples...)

	size := int(math.Round(e.cfg.Window.Seconds() * rate))
	step := int(math.Round(e.cfg.Step.Seconds() * rate))
	if size < 2 || step < 1 {
		return nil
	}

	var out []Window
	for len(e.buf) >= size {
		out = append(out, e.compute(e.buf[:size]))
		e.buf = append(e.buf[:0], e.buf[step:]...)
		e.dropped += step
	}
	return out
}

func (e *Extractor) offset(n int) time.Time {
	return e.t0.Add(time.Duration(float64(n) / e.rate * float64(time.Second)))
}

func (e *Extractor) compute(x []float64) Window {
	n := len(x)

	var sum, sq float64
	for _, v := range x {
		sum += v
		sq += v * v
	}
	mean := sum / float64(n)

	w := Window{
		Start:        e.offset(e.dropped),
		End:          e.offset(e.dropped + n),
		SamplingRate: e.rate,
		Samples:      n,
		Bands:        orderedmap.New[string, float64](),
		Mean:         mean,
		RMS:          math.Sqrt(sq / float64(n)),
	}

	psd := e.spectrum(x, mean)
	res := e.rate / float64(n)
	for _, b := range e.bands {
		var p float64
		for k := int(math.Ceil(b.Low / res)); k < len(psd) && float64(k)*res < b.High; k++ {
			p += psd[k]
		}
		w.Bands.Set(b.Name, p)
	}
	return w
}

// spectrum returns the Hann-windowed one-sided power up to the highest band edge
func (e *Extractor) spectrum(x []float64, mean float64) []float64 {
	n := len(x)
	maxHz := 0.0
	for _, b := range e.bands {
		maxHz = math.Max(maxHz, b.High)
	}
	bins := int(maxHz*float64(n)/e.rate) + 1
	if bins > n/2+1 {
		bins = n/2 + 1
	}

	win := make([]float64, n)
	var norm float64
	for i := range x {
		h := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		win[i] = (x[i] - mean) * h
		norm += h * h
	}

	psd := make([]float64, bins)
	for k := 0; k < bins; k++ {
		var re, im float64
		step := 2 * math.Pi * float64(k) / float64(n)
		for i, v := range win {
			re += v * math.Cos(step*float64(i))
			im -= v * math.Sin(step*float64(i))
		}
		psd[k] = (re*re + im*im) / norm
	}
	return psd
}

// Reset drops buffered samples
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.dropped = 0
	e.rate = 0
}

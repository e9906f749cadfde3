package sim

import (
	"math"
	"math/rand"

	"github.com/srg/mindlink/internal/frame"
)

// Signal returns the simulated scalp potential in microvolts at time t (seconds)
type Signal func(t float64) float64

// DefaultSignal is a 10 Hz alpha rhythm over mains hum and a slow electrode drift
func DefaultSignal(t float64) float64 {
	return 40*math.Sin(2*math.Pi*10*t) +
		15*math.Sin(2*math.Pi*50*t) +
		60*math.Sin(2*math.Pi*0.1*t)
}

// Generator renders a headset byte stream: one raw frame per sample and an
// eSense frame once per second of signal.
type Generator struct {
	rate   float64
	signal Signal
	rng    *rand.Rand
	noise  float64

	n uint64
}

// NewGenerator creates a generator at rate samples/s. noise is the
// standard deviation of added white noise in microvolts.
func NewGenerator(rate float64, signal Signal, noise float64, seed int64) *Generator {
	if signal == nil {
		signal = DefaultSignal
	}
	return &Generator{
		rate:   rate,
		signal: signal,
		noise:  noise,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Samples returns the number of raw samples rendered so far
func (g *Generator) Samples() uint64 {
	return g.n
}

// Next renders count samples worth of frames
func (g *Generator) Next(count int) []byte {
	out := make([]byte, 0, count*8)
	perSecond := uint64(math.Round(g.rate))
	for i := 0; i < count; i++ {
		t := float64(g.n) / g.rate
		uv := g.signal(t)
		if g.noise > 0 {
			uv += g.rng.NormFloat64() * g.noise
		}
		counts := math.Round(uv / frame.RawMicrovoltsPerCount)
		counts = math.Max(math.MinInt16, math.Min(math.MaxInt16, counts))

		b, _ := frame.Encode(frame.Sample{Raw: frame.Int16(int16(counts))})
		out = append(out, b...)

		g.n++
		if perSecond > 0 && g.n%perSecond == 0 {
			out = append(out, g.esense()...)
		}
	}
	return out
}

func (g *Generator) esense() []byte {
	sec := float64(g.n) / g.rate
	attention := uint8(50 + 30*math.Sin(sec/7))
	meditation := uint8(50 + 30*math.Cos(sec/11))
	bands := frame.Bands{
		Delta:     uint32(200000 + g.rng.Intn(50000)),
		Theta:     uint32(80000 + g.rng.Intn(20000)),
		LowAlpha:  uint32(60000 + g.rng.Intn(20000)),
		HighAlpha: uint32(40000 + g.rng.Intn(10000)),
		LowBeta:   uint32(20000 + g.rng.Intn(10000)),
		HighBeta:  uint32(15000 + g.rng.Intn(5000)),
		LowGamma:  uint32(8000 + g.rng.Intn(4000)),
		MidGamma:  uint32(4000 + g.rng.Intn(2000)),
	}
	b, _ := frame.Encode(frame.Sample{
		PoorSignal: frame.Uint8(0),
		Attention:  frame.Uint8(attention),
		Meditation: frame.Uint8(meditation),
		Battery:    frame.Uint8(90),
		Bands:      &bands,
	})
	return b
}

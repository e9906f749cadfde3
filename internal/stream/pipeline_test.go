package stream

import (
	"io"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/dsp"
	"github.com/srg/mindlink/internal/frame"
	"github.com/srg/mindlink/internal/sched"
	"github.com/stretchr/testify/suite"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type PipelineTestSuite struct {
	suite.Suite

	logger   *logrus.Logger
	loop     *sched.Loop
	pipeline *Pipeline
	chunks   []Chunk
}

func (s *PipelineTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetOutput(io.Discard)
	s.loop = sched.NewVirtual(epoch, s.logger)

	p, err := New(DefaultConfig(), s.loop, s.logger)
	s.Require().NoError(err)
	s.pipeline = p

	s.chunks = nil
	p.OnChunk(func(c Chunk) { s.chunks = append(s.chunks, c) })
}

func (s *PipelineTestSuite) emitted() []float64 {
	var out []float64
	for _, c := range s.chunks {
		out = append(out, c.Filtered...)
	}
	return out
}

// feed pushes input at the configured rate in 250 ms bursts
func (s *PipelineTestSuite) feed(input []float64) *sched.Timer {
	burst := int(DefaultConfig().SamplingRate / 4)
	idx := 0
	var t *sched.Timer
	t = s.loop.Every("test.feed", 250*time.Millisecond, func() {
		for i := 0; i < burst && idx < len(input); i++ {
			s.pipeline.PushSample(input[idx])
			idx++
		}
		if idx >= len(input) {
			t.Stop()
		}
	})
	return t
}

func signal(n int) []float64 {
	rng := rand.New(rand.NewSource(42))
	out := make([]float64, n)
	for i := range out {
		ts := float64(i) / 512
		out[i] = 30*math.Sin(2*math.Pi*10*ts) + 15*math.Sin(2*math.Pi*50*ts) + rng.NormFloat64()*5 + 80
	}
	return out
}

func (s *PipelineTestSuite) TestFilteredOutputIsContinuousAcrossTicks() {
	// GOAL: Verify filter state persists across processing ticks and output keeps arrival order
	//
	// TEST SCENARIO: Stream 10 s of signal in 250 ms bursts → emitted samples equal a one-shot cascade run

	input := signal(5120)
	s.pipeline.Start()
	s.feed(input)

	s.loop.Advance(12 * time.Second)

	ref, err := dsp.DefaultDesign().Build(512)
	s.Require().NoError(err)
	expected := ref.Process(input)

	got := s.emitted()
	s.Require().Len(got, len(expected), "every filtered sample MUST eventually be emitted")
	s.Equal(expected, got, "tick-wise filtering MUST equal one-shot filtering")
}

func (s *PipelineTestSuite) TestEmissionWaitsForMinimumBacklog() {
	// GOAL: Verify nothing is emitted before one second of backlog and pacing follows afterwards
	//
	// TEST SCENARIO: Steady 512 Hz input; first chunk no earlier than 1 s; chunks carry ~8 samples

	s.pipeline.Start()
	s.feed(signal(512 * 20))

	s.loop.Advance(990 * time.Millisecond)
	s.Empty(s.chunks, "no chunk MUST be emitted before the backlog gate opens")

	s.loop.Advance(5 * time.Second)
	s.Require().NotEmpty(s.chunks)
	s.False(s.chunks[0].Timestamp.Before(epoch.Add(time.Second)))

	elapsed := s.chunks[len(s.chunks)-1].Timestamp.Sub(s.chunks[0].Timestamp) + DefaultConfig().EmitInterval
	s.InDelta(512*elapsed.Seconds(), float64(len(s.emitted())), 1.0, "emission MUST track R×T")

	for _, c := range s.chunks {
		s.Equal(512.0, c.SamplingRate)
		s.NotNil(c.Stats)
		s.LessOrEqual(len(c.Filtered), 9)
	}
}

func (s *PipelineTestSuite) TestShortTailAfterGapIsEmitted() {
	// GOAL: Verify a tail shorter than the minimum backlog is emitted after the queue ran dry mid-session
	//
	// TEST SCENARIO: 2 s streamed and drained → gap → 100 samples pushed → all 100 emitted without more input

	s.pipeline.Start()
	s.feed(signal(1024))
	s.loop.Advance(4 * time.Second)
	s.Require().Len(s.emitted(), 1024, "the first burst MUST drain completely")
	s.Require().Zero(s.pipeline.QueueLen())

	for _, v := range signal(100) {
		s.pipeline.PushSample(v)
	}
	s.loop.Advance(2 * time.Second)

	s.Len(s.emitted(), 1124, "a short tail MUST NOT wait for a fresh backlog")
	s.Zero(s.pipeline.QueueLen())
}

func (s *PipelineTestSuite) TestIdleBackoffAndWake() {
	// GOAL: Verify the processing tick slows down after consecutive empty ticks and recovers on new data
	//
	// TEST SCENARIO: No input for 8 ticks → idle; one pushed sample → processed immediately, back to normal

	s.pipeline.Start()

	s.loop.Advance(7 * 250 * time.Millisecond)
	s.False(s.pipeline.Idle())

	s.loop.Advance(250 * time.Millisecond)
	s.True(s.pipeline.Idle(), "idle MUST engage after the configured empty-tick threshold")

	s.pipeline.PushSample(1)
	s.loop.Flush()
	s.False(s.pipeline.Idle(), "new data MUST restore the normal interval immediately")
	s.Equal(uint64(1), s.pipeline.Stats().Processed)
}

func (s *PipelineTestSuite) TestStopMakesCallbacksInert() {
	// GOAL: Verify Stop cancels every timer and stale generations are no-ops
	//
	// TEST SCENARIO: Start, Stop, Start again → only the new generation's two timers remain

	s.pipeline.Start()
	first := s.pipeline.Generation()
	s.Equal(2, s.loop.Pending())

	s.pipeline.Stop()
	s.Zero(s.loop.Pending(), "Stop MUST cancel both timers")
	s.False(s.pipeline.Running())

	s.pipeline.Start()
	s.Greater(s.pipeline.Generation(), first)
	s.Equal(2, s.loop.Pending())

	s.pipeline.Stop()
	for i := 0; i < 600; i++ {
		s.pipeline.PushSample(float64(i))
	}
	s.loop.Advance(5 * time.Second)
	s.Empty(s.chunks, "a stopped pipeline MUST NOT emit")
}

func (s *PipelineTestSuite) TestBytePathParsesFrames() {
	var readings []frame.Sample
	s.pipeline.OnReading(func(r frame.Sample) { readings = append(readings, r) })

	for i := 0; i < 10; i++ {
		b, err := frame.Encode(frame.Sample{Raw: frame.Int16(int16(i * 100))})
		s.Require().NoError(err)
		s.pipeline.PushBytes(b)
	}
	b, err := frame.Encode(frame.Sample{Attention: frame.Uint8(61), PoorSignal: frame.Uint8(0)})
	s.Require().NoError(err)
	s.pipeline.PushBytes(b)

	s.Equal(10, s.pipeline.ProcessPending())
	s.Require().Len(readings, 1, "only samples with non-raw fields MUST be published as readings")
	s.Equal(uint8(61), *readings[0].Attention)
	s.Equal(uint64(11), s.pipeline.Stats().Parser.Frames)
	s.Equal(10, s.pipeline.QueueLen())
}

func (s *PipelineTestSuite) TestRollingWindowTrim() {
	for i := 0; i < 3000; i++ {
		s.pipeline.PushSample(float64(i))
	}

	s.Equal(DefaultConfig().Window, s.pipeline.ProcessPending(), "backlog beyond the window MUST be trimmed")
	s.Equal(uint64(952), s.pipeline.Stats().Samples.Trimmed)
	s.Equal(1536, s.pipeline.QueueLen(), "micro-queue MUST be clamped to its cap")
	s.Equal(uint64(512), s.pipeline.Stats().Evicted)
}

func (s *PipelineTestSuite) TestResetClearsFilterState() {
	input := signal(600)

	for _, v := range input {
		s.pipeline.PushSample(v)
	}
	s.pipeline.ProcessPending()
	first := s.pipeline.queue.PopN(600)

	s.pipeline.Reset()
	s.Zero(s.pipeline.QueueLen())

	for _, v := range input {
		s.pipeline.PushSample(v)
	}
	s.pipeline.ProcessPending()
	second := s.pipeline.queue.PopN(600)

	s.Equal(first, second, "after Reset the same input MUST yield the same output")
}

func (s *PipelineTestSuite) TestIngestPanicIsContained() {
	s.pipeline.OnReading(func(frame.Sample) { panic("consumer bug") })

	b, err := frame.Encode(frame.Sample{Meditation: frame.Uint8(3)})
	s.Require().NoError(err)

	s.NotPanics(func() {
		s.pipeline.PushBytes(b)
		s.pipeline.ProcessPending()
	})
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config MUST be valid: %v", err)
	}

	bad := cfg
	bad.MinBacklog = 5 * time.Second
	if bad.Validate() == nil {
		t.Fatal("min backlog above max backlog MUST be rejected")
	}

	bad = cfg
	bad.SamplingRate = 80
	if bad.Validate() == nil {
		t.Fatal("a rate whose Nyquist is below the notch MUST be rejected")
	}
}

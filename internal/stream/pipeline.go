// Package stream drives the filter cascade on the run loop and paces its
// output to real time.
//
// Ingest methods (PushBytes, PushSample) may be called from any goroutine.
// Everything else runs on the loop.
package stream

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/dsp"
	"github.com/srg/mindlink/internal/events"
	"github.com/srg/mindlink/internal/frame"
	"github.com/srg/mindlink/internal/ingest"
	"github.com/srg/mindlink/internal/sched"
)

// Stats is a snapshot of pipeline counters carried with every chunk
type Stats struct {
	Parser       frame.Stats  `json:"parser"`
	Samples      ingest.Stats `json:"samples"`
	Bytes        ingest.Stats `json:"bytes"`
	QueueLen     int          `json:"queue_len"`
	Evicted      uint64       `json:"evicted"`
	Emitted      uint64       `json:"emitted"`
	Processed    uint64       `json:"processed"`
	Idle         bool         `json:"idle"`
	Generation   uint64       `json:"generation"`
	IngestPanics uint64       `json:"ingest_panics"`
}

// Chunk is one paced slice of filtered samples
type Chunk struct {
	Filtered     []float64 `json:"filtered"`
	SamplingRate float64   `json:"sampling_rate"`
	Timestamp    time.Time `json:"timestamp"`
	Stats        *Stats    `json:"stats,omitempty"`
}

// Pipeline owns the ingestion buffers, parser, filter state and micro-queue
type Pipeline struct {
	cfg    Config
	loop   *sched.Loop
	logger *logrus.Logger

	bytes   *ingest.ByteRing
	samples *ingest.SampleRing
	parser  *frame.Parser
	cascade *dsp.Cascade
	queue   *MicroQueue
	emitter *Emitter

	chunks   *events.Bus[Chunk]
	readings *events.Bus[frame.Sample]

	generation atomic.Uint64
	running    bool
	idle       atomic.Bool
	wakePosted atomic.Bool
	emptyTicks int

	processTimer *sched.Timer
	emitTimer    *sched.Timer

	scratch      []float64
	processed    uint64
	ingestPanics atomic.Uint64
}

// New builds a pipeline; filter coefficients are computed here once
func New(cfg Config, loop *sched.Loop, logger *logrus.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}

	cascade, err := cfg.Filter.Build(cfg.SamplingRate)
	if err != nil {
		return nil, err
	}
	samples, err := ingest.NewSampleRing(cfg.Window)
	if err != nil {
		return nil, err
	}
	bytes, err := ingest.NewByteRing(ingest.DefaultByteCapacity)
	if err != nil {
		return nil, err
	}
	queue, err := NewMicroQueue(cfg.MaxQueueSamples())
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		loop:     loop,
		logger:   logger,
		bytes:    bytes,
		samples:  samples,
		parser:   frame.NewParser(logger),
		cascade:  cascade,
		queue:    queue,
		emitter:  NewEmitter(cfg.SamplingRate, cfg.EmitInterval, cfg.MinBacklogSamples()),
		chunks:   events.New[Chunk]("chunks", logger),
		readings: events.New[frame.Sample]("readings", logger),
		scratch:  make([]float64, 0, cfg.Window),
	}, nil
}

// OnChunk subscribes to paced filtered output
func (p *Pipeline) OnChunk(handler func(Chunk)) events.Cancel {
	return p.chunks.Subscribe(handler)
}

// OnReading subscribes to decoded samples carrying non-raw fields (attention, bands, ...)
func (p *Pipeline) OnReading(handler func(frame.Sample)) events.Cancel {
	return p.readings.Subscribe(handler)
}

// PushBytes stores a raw notification payload. Never panics into the caller.
func (p *Pipeline) PushBytes(data []byte) {
	defer p.recoverIngest()
	p.bytes.Write(data)
	p.wakeIfIdle()
}

// PushSample stores one numeric sample. Never panics into the caller.
func (p *Pipeline) PushSample(v float64) {
	defer p.recoverIngest()
	p.samples.Push(v)
	p.wakeIfIdle()
}

func (p *Pipeline) recoverIngest() {
	if r := recover(); r != nil {
		p.ingestPanics.Add(1)
		p.logger.WithField("panic", r).Error("Ingest callback panicked")
	}
}

func (p *Pipeline) wakeIfIdle() {
	if !p.idle.Load() || !p.wakePosted.CompareAndSwap(false, true) {
		return
	}
	gen := p.generation.Load()
	p.loop.Post(func() {
		p.wakePosted.Store(false)
		if gen != p.generation.Load() || !p.idle.Load() {
			return
		}
		p.processTimer.Stop()
		p.process(gen)
	})
}

// Start arms the processing and emission timers under a new generation. Loop only.
func (p *Pipeline) Start() {
	if p.running {
		return
	}
	gen := p.generation.Add(1)
	p.running = true
	p.emptyTicks = 0
	p.idle.Store(false)

	p.processTimer = p.loop.After("stream.process", p.cfg.ProcessInterval, func() { p.process(gen) })
	p.emitTimer = p.loop.Every("stream.emit", p.cfg.EmitInterval, func() { p.emit(gen) })

	p.logger.WithFields(logrus.Fields{
		"generation":    gen,
		"sampling_rate": p.cfg.SamplingRate,
		"min_backlog":   p.cfg.MinBacklogSamples(),
		"max_queue":     p.cfg.MaxQueueSamples(),
	}).Debug("Stream pipeline started")
}

// Stop cancels both timers; pending callbacks of the old generation become no-ops. Loop only.
func (p *Pipeline) Stop() {
	p.generation.Add(1)
	p.running = false
	p.idle.Store(false)
	p.processTimer.Stop()
	p.emitTimer.Stop()
}

// Reset stops the pipeline and clears filter state, parser, buffers and pacing. Loop only.
func (p *Pipeline) Reset() {
	p.Stop()
	p.cascade.Reset()
	p.parser.Reset()
	p.bytes.Reset()
	p.samples.Reset()
	p.queue.Clear()
	p.emitter.Reset()
	p.logger.WithField("generation", p.generation.Load()).Debug("Stream pipeline reset")
}

// Running reports whether timers are armed
func (p *Pipeline) Running() bool {
	return p.running
}

// Generation returns the current pipeline generation
func (p *Pipeline) Generation() uint64 {
	return p.generation.Load()
}

// Idle reports whether the processing tick runs at the idle interval
func (p *Pipeline) Idle() bool {
	return p.idle.Load()
}

// QueueLen returns the micro-queue backlog
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

func (p *Pipeline) process(gen uint64) {
	if gen != p.generation.Load() {
		return
	}

	n := p.ProcessPending()
	if n == 0 {
		p.emptyTicks++
		if !p.idle.Load() && p.emptyTicks >= p.cfg.IdleThreshold {
			p.idle.Store(true)
			p.logger.WithField("empty_ticks", p.emptyTicks).Debug("No data, switching to idle poll interval")
		}
	} else {
		p.emptyTicks = 0
		if p.idle.Load() {
			p.idle.Store(false)
			p.logger.Debug("Data resumed, switching to normal poll interval")
		}
	}

	interval := p.cfg.ProcessInterval
	if p.idle.Load() {
		interval = p.cfg.IdleInterval
	}
	p.processTimer = p.loop.After("stream.process", interval, func() { p.process(gen) })
}

// ProcessPending runs the parser and cascade over everything buffered and
// appends the result to the micro-queue. Returns the number of samples filtered.
func (p *Pipeline) ProcessPending() int {
	if raw := p.bytes.Drain(); len(raw) > 0 {
		for _, s := range p.parser.AddBytes(raw) {
			if uv, ok := s.RawMicrovolts(); ok {
				p.samples.Push(uv)
			}
			if hasReadings(s) {
				p.readings.Publish(s)
			}
		}
	}

	p.scratch = p.samples.Drain(p.scratch[:0])
	if len(p.scratch) == 0 {
		return 0
	}
	p.cascade.ProcessInto(p.scratch, p.scratch)
	p.queue.PushAll(p.scratch)
	p.processed += uint64(len(p.scratch))
	return len(p.scratch)
}

func hasReadings(s frame.Sample) bool {
	return s.PoorSignal != nil || s.Attention != nil || s.Meditation != nil || s.HeartRate != nil ||
		s.Battery != nil || s.Firmware != nil || s.Bands != nil
}

func (p *Pipeline) emit(gen uint64) {
	if gen != p.generation.Load() {
		return
	}
	out := p.emitter.Take(p.queue)
	if len(out) == 0 {
		return
	}
	stats := p.Stats()
	p.chunks.Publish(Chunk{
		Filtered:     out,
		SamplingRate: p.cfg.SamplingRate,
		Timestamp:    p.loop.Now(),
		Stats:        &stats,
	})
}

// Stats returns a snapshot of every counter. Loop only.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Parser:       p.parser.Stats(),
		Samples:      p.samples.Stats(),
		Bytes:        p.bytes.Stats(),
		QueueLen:     p.queue.Len(),
		Evicted:      p.queue.Evicted(),
		Emitted:      p.emitter.Emitted(),
		Processed:    p.processed,
		Idle:         p.idle.Load(),
		Generation:   p.generation.Load(),
		IngestPanics: p.ingestPanics.Load(),
	}
}

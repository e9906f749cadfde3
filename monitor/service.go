// Package monitor wires the connection supervisor, stream pipeline and feature
// extractor around one run loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/events"
	"github.com/srg/mindlink/internal/features"
	"github.com/srg/mindlink/internal/frame"
	"github.com/srg/mindlink/internal/groutine"
	"github.com/srg/mindlink/internal/sched"
	"github.com/srg/mindlink/internal/stream"
	"github.com/srg/mindlink/internal/supervisor"
	"github.com/srg/mindlink/scanner"
)

var (
	ErrNotInitialized = errors.New("monitor: service not initialized")
	ErrShutdown       = errors.New("monitor: service shut down")
)

// Sink receives everything the service produces. *publish.Publisher implements it.
type Sink interface {
	Chunk(session string, c stream.Chunk)
	Window(session string, w features.Window)
	State(ev supervisor.Event)
}

// Options configures a Service
type Options struct {
	Link     supervisor.Config
	Stream   stream.Config
	Features features.Config

	// Service and Characteristic carry the framed serial stream
	Service        string
	Characteristic string

	// Loop is created and run by Init when nil. A virtual loop is never run.
	Loop *sched.Loop
	Sink Sink
}

// DefaultOptions returns the stock link, stream and feature settings
func DefaultOptions() Options {
	return Options{
		Link:           supervisor.DefaultConfig(),
		Stream:         stream.DefaultConfig(),
		Features:       features.DefaultConfig(),
		Service:        device.ServiceSerialStream,
		Characteristic: device.CharSerialStreamNotify,
	}
}

// Service owns one headset session end to end
type Service struct {
	opts       Options
	transport  device.Transport
	permission device.PermissionProvider
	logger     *logrus.Logger

	mu       sync.Mutex
	inited   bool
	shutdown bool

	loop       *sched.Loop
	runCancel  context.CancelFunc
	runDone    <-chan struct{}
	supervisor *supervisor.Supervisor
	pipeline   *stream.Pipeline
	extractor  *features.Extractor
	windows    *events.Bus[features.Window]
	cancels    []events.Cancel
}

// New creates a service. Nothing runs until Init.
func New(opts Options, transport device.Transport, permission device.PermissionProvider, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Service == "" {
		opts.Service = device.ServiceSerialStream
	}
	if opts.Characteristic == "" {
		opts.Characteristic = device.CharSerialStreamNotify
	}
	return &Service{
		opts:       opts,
		transport:  transport,
		permission: permission,
		logger:     logger,
	}
}

// Init builds every component and starts the run loop. Calling it twice is a no-op.
func (s *Service) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if s.inited {
		return nil
	}
	if s.transport == nil {
		return fmt.Errorf("monitor: transport is required")
	}

	loop := s.opts.Loop
	if loop == nil {
		loop = sched.New(s.logger)
	}

	pipeline, err := stream.New(s.opts.Stream, loop, s.logger)
	if err != nil {
		return err
	}
	extractor, err := features.New(s.opts.Features, s.logger)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(s.opts.Link, s.transport, loop, s.logger)
	if err != nil {
		return err
	}

	s.loop = loop
	s.pipeline = pipeline
	s.extractor = extractor
	s.supervisor = sup
	s.windows = events.New[features.Window]("features", s.logger)

	sup.SetLinkHandler(s.handleLink)
	s.cancels = append(s.cancels,
		pipeline.OnChunk(s.handleChunk),
		sup.OnState(s.handleState),
	)
	if sink := s.opts.Sink; sink != nil {
		s.cancels = append(s.cancels, s.windows.Subscribe(func(w features.Window) {
			sink.Window(sup.Stats().Session, w)
		}))
	}

	if !loop.IsVirtual() {
		ctx, cancel := context.WithCancel(context.Background())
		s.runCancel = cancel
		s.runDone = groutine.Go(ctx, "monitor-loop", func(ctx context.Context) {
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithField("error", err).Error("Run loop stopped unexpectedly")
			}
		})
	}

	s.inited = true
	s.logger.WithFields(logrus.Fields{
		"service":        s.opts.Service,
		"characteristic": s.opts.Characteristic,
		"sampling_rate":  s.opts.Stream.SamplingRate,
	}).Debug("Monitor initialized")
	return nil
}

// Shutdown disconnects, stops the pipeline and waits for the run loop to exit
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.inited || s.shutdown {
		s.shutdown = true
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	s.supervisor.Close()
	s.loop.Post(func() {
		if s.pipeline.Running() {
			s.pipeline.Stop()
		}
		for _, cancel := range cancels {
			cancel()
		}
	})

	if s.runCancel == nil {
		s.loop.Flush()
		s.loop.CancelAll()
		return nil
	}

	// Let the posted teardown run before the loop goes away
	flushed := make(chan struct{})
	s.loop.Post(func() { close(flushed) })
	select {
	case <-flushed:
	case <-ctx.Done():
	}
	s.runCancel()

	select {
	case <-s.runDone:
		// Timers left behind would never fire on a stopped loop
		s.loop.CancelAll()
		s.logger.Debug("Monitor shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor shutdown: %w", ctx.Err())
	}
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.shutdown:
		return ErrShutdown
	case !s.inited:
		return ErrNotInitialized
	}
	return nil
}

// Scan runs one scan window over the service's transport
func (s *Service) Scan(ctx context.Context, opts *scanner.ScanOptions) (<-chan scanner.Event, error) {
	sc, err := scanner.NewScanner(s.transport, s.permission, s.logger)
	if err != nil {
		return nil, err
	}
	return sc.Scan(ctx, opts)
}

// Connect starts a session and blocks until the link is up, the supervisor
// gives up, or ctx ends. Cancelling ctx abandons the attempt.
func (s *Service) Connect(ctx context.Context, address string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := device.EnsurePermission(ctx, s.permission); err != nil {
		return err
	}

	states, cancel := s.supervisor.States(32)
	defer cancel()

	if err := s.supervisor.Connect(address); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.supervisor.Disconnect()
			return ctx.Err()
		case ev, ok := <-states:
			if !ok {
				return ErrShutdown
			}
			switch ev.State {
			case supervisor.Connected:
				return nil
			case supervisor.Fatal:
				return ev.Err
			case supervisor.Disconnected:
				if !s.opts.Link.AutoReconnect {
					if ev.Err == nil {
						return device.ErrNotConnected
					}
					return ev.Err
				}
			}
		}
	}
}

// Disconnect ends the session; no reconnect follows
func (s *Service) Disconnect() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.supervisor.Disconnect()
	return nil
}

// Rearm leaves the fatal state so Connect is accepted again
func (s *Service) Rearm() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.supervisor.Rearm()
	return nil
}

// OnFilteredChunk subscribes to paced filtered output. Call after Init.
func (s *Service) OnFilteredChunk(handler func(stream.Chunk)) events.Cancel {
	return s.pipeline.OnChunk(handler)
}

// OnReading subscribes to decoded eSense, band and status fields. Call after Init.
func (s *Service) OnReading(handler func(frame.Sample)) events.Cancel {
	return s.pipeline.OnReading(handler)
}

// OnFeatureWindow subscribes to completed feature windows. Call after Init.
func (s *Service) OnFeatureWindow(handler func(features.Window)) events.Cancel {
	return s.windows.Subscribe(handler)
}

// OnState subscribes to link state transitions. Call after Init.
func (s *Service) OnState(handler func(supervisor.Event)) events.Cancel {
	return s.supervisor.OnState(handler)
}

// State returns the link state
func (s *Service) State() supervisor.State {
	if s.supervisor == nil {
		return supervisor.Disconnected
	}
	return s.supervisor.State()
}

// Stats returns link supervision counters
func (s *Service) Stats() supervisor.Stats {
	return s.supervisor.Stats()
}

// Loop exposes the run loop, mostly for driving a virtual clock
func (s *Service) Loop() *sched.Loop {
	return s.loop
}

// handleLink runs on the loop once discovery succeeded. Every link, first
// connect, reconnect or connect after Disconnect, starts a new pipeline
// generation so no filter history or queued sample crosses sessions.
func (s *Service) handleLink(link device.Link, reconnect bool) (device.Subscription, error) {
	s.pipeline.Reset()
	s.extractor.Reset()

	sub, err := link.Subscribe(s.opts.Service, s.opts.Characteristic, s.pipeline.PushBytes)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", s.opts.Service, s.opts.Characteristic, err)
	}
	s.pipeline.Start()

	s.logger.WithFields(logrus.Fields{
		"address":   link.Address(),
		"reconnect": reconnect,
	}).Info("Streaming from headset")
	return sub, nil
}

func (s *Service) handleChunk(c stream.Chunk) {
	for _, w := range s.extractor.Consume(c.Filtered, c.SamplingRate, c.Timestamp) {
		s.windows.Publish(w)
	}
	if sink := s.opts.Sink; sink != nil {
		sink.Chunk(s.supervisor.Stats().Session, c)
	}
}

func (s *Service) handleState(ev supervisor.Event) {
	switch ev.State {
	case supervisor.Disconnected, supervisor.Fatal:
		if s.pipeline.Running() {
			s.pipeline.Stop()
		}
	}
	if sink := s.opts.Sink; sink != nil {
		sink.State(ev)
	}
}

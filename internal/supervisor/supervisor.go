// Package supervisor owns the lifecycle of one headset link: connect with
// bounded capability discovery, keep-alive and health checks while connected,
// and bounded reconnects after link loss.
//
// All state lives on the sched.Loop. Blocking transport calls run through
// Loop.Spawn and re-enter the loop as continuations tagged with the session
// generation; a continuation or timer from an older generation is a no-op.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/events"
	"github.com/srg/mindlink/internal/groutine"
	"github.com/srg/mindlink/internal/retry"
	"github.com/srg/mindlink/internal/sched"
)

// State is the supervisor connection state
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Fatal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is published on every state transition
type Event struct {
	State   State     `json:"state"`
	Session string    `json:"session,omitempty"`
	Address string    `json:"address,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Stats are supervision counters
type Stats struct {
	Session           string
	KeepAliveOps      uint64
	KeepAliveFailures uint64
	HealthTriggers    uint64
	Reconnects        uint64
	LastKeepAlive     time.Time
}

// LinkHandler is called on the loop once a link is up. The returned subscription
// is released when the session ends.
type LinkHandler func(link device.Link, reconnect bool) (device.Subscription, error)

// Supervisor is the single keep-alive owner for a link
type Supervisor struct {
	cfg       Config
	transport device.Transport
	loop      *sched.Loop
	logger    *logrus.Logger
	bus       *events.Bus[Event]
	discovery retry.Policy

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// loop-owned
	gen           uint64
	address       string
	session       string
	link          device.Link
	sub           device.Subscription
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	attempts      int
	reconnecting  bool
	autoReconnect bool
	keepAlive     *sched.Timer
	health        *sched.Timer
	reconnect     *sched.Timer
	inFlight      bool
	onLink        LinkHandler

	statsMu sync.Mutex
	stats   Stats
}

// New creates a supervisor. Nothing happens until Connect.
func New(cfg Config, transport device.Transport, loop *sched.Loop, logger *logrus.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor config: %w", err)
	}
	if transport == nil || loop == nil {
		return nil, fmt.Errorf("supervisor requires a transport and a loop")
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		loop:      loop,
		logger:    logger,
		bus:       events.New[Event]("supervisor", logger),
		discovery: retry.Policy{
			MaxAttempts: cfg.DiscoveryAttempts,
			Backoff:     retry.Linear(cfg.DiscoveryDelay),
		},
		ctx:           ctx,
		cancel:        cancel,
		autoReconnect: cfg.AutoReconnect,
	}
	return s, nil
}

// OnState subscribes to state transitions
func (s *Supervisor) OnState(handler func(Event)) events.Cancel {
	return s.bus.Subscribe(handler)
}

// States returns a channel of state transitions
func (s *Supervisor) States(capacity int) (<-chan Event, events.Cancel) {
	return s.bus.SubscribeChan(capacity)
}

// SetLinkHandler installs the callback run when a link comes up. Call before Connect.
func (s *Supervisor) SetLinkHandler(h LinkHandler) {
	s.loop.Post(func() { s.onLink = h })
}

// State returns the current state. Safe from any goroutine.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (s *Supervisor) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Connect starts a session with the device at address. The outcome is reported through events.
func (s *Supervisor) Connect(address string) error {
	if s.ctx.Err() != nil {
		return device.ErrNotInitialized
	}
	// Only one caller may leave Disconnected
	if !s.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		if s.State() == Fatal {
			return device.ErrFatal
		}
		return device.ErrAlreadyConnected
	}

	s.loop.Post(func() {
		s.address = address
		s.attempts = 0
		s.reconnecting = false
		s.startSession()
	})
	return nil
}

// Disconnect ends the session and stops every supervision timer. No reconnect follows.
func (s *Supervisor) Disconnect() {
	s.loop.Post(func() {
		if s.State() == Disconnected {
			return
		}
		wasFatal := s.State() == Fatal
		s.gen++
		s.stopReconnect()
		s.teardown()
		if wasFatal {
			return
		}
		s.transition(Disconnected, nil)
	})
}

// Rearm leaves Fatal so Connect is accepted again
func (s *Supervisor) Rearm() {
	s.loop.Post(func() {
		if s.State() != Fatal {
			return
		}
		s.attempts = 0
		s.autoReconnect = s.cfg.AutoReconnect
		s.transition(Disconnected, nil)
	})
}

// Close stops supervision and releases the link
func (s *Supervisor) Close() {
	s.Disconnect()
	s.loop.Post(func() { s.cancel() })
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Supervisor) transition(st State, err error) {
	s.setState(st)
	ev := Event{
		State:   st,
		Session: s.session,
		Address: s.address,
		Attempt: s.attempts,
		Err:     err,
		At:      s.loop.Now(),
	}
	fields := logrus.Fields{
		"state":   st,
		"address": s.address,
		"session": s.session,
	}
	if s.attempts > 0 {
		fields["attempt"] = s.attempts
	}
	if err != nil {
		fields["error"] = err
		s.logger.WithFields(fields).Warn("Link state changed")
	} else {
		s.logger.WithFields(fields).Info("Link state changed")
	}
	s.bus.Publish(ev)
}

// startSession dials and discovers under a fresh generation
func (s *Supervisor) startSession() {
	s.gen++
	gen := s.gen
	s.session = uuid.NewString()
	s.statsMu.Lock()
	s.stats.Session = s.session
	s.statsMu.Unlock()

	if !s.reconnecting {
		s.transition(Connecting, nil)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.sessionCtx, s.sessionCancel = ctx, cancel
	address := s.address
	opts := s.cfg.ConnectOptions()

	s.loop.Spawn(ctx, "supervisor-dial", func(ctx context.Context) func() {
		link, err := s.transport.Dial(ctx, address, opts)
		return func() {
			if gen != s.gen {
				if link != nil {
					_ = link.Close()
				}
				return
			}
			if err != nil {
				s.fail(fmt.Errorf("dial %s: %w", address, err))
				return
			}
			s.link = link
			s.discover(gen, 1)
		}
	})
}

func (s *Supervisor) discover(gen uint64, attempt int) {
	link := s.link
	s.loop.Spawn(s.sessionCtx, "supervisor-discovery", func(ctx context.Context) func() {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		caps, err := link.DiscoverCapabilities(opCtx)
		return func() {
			if gen != s.gen {
				return
			}
			if err == nil {
				s.logger.WithFields(logrus.Fields{
					"address":  s.address,
					"services": len(caps),
					"attempt":  attempt,
				}).Debug("Capabilities discovered")
				s.connected(gen)
				return
			}
			if !s.discovery.ShouldRetry(attempt, err) {
				s.fail(fmt.Errorf("capability discovery: %w after %d attempts: %w", retry.ErrExhausted, attempt, err))
				return
			}
			delay := s.discovery.Delay(attempt)
			s.logger.WithFields(logrus.Fields{
				"attempt":      attempt,
				"max_attempts": s.discovery.MaxAttempts,
				"delay":        delay,
				"error":        err,
			}).Warn("Capability discovery failed, retrying")
			s.loop.After("supervisor-discovery-retry", delay, func() {
				if gen == s.gen {
					s.discover(gen, attempt+1)
				}
			})
		}
	})
}

func (s *Supervisor) connected(gen uint64) {
	reconnect := s.reconnecting
	if s.onLink != nil {
		sub, err := s.onLink(s.link, reconnect)
		if err != nil {
			s.fail(fmt.Errorf("link setup: %w", err))
			return
		}
		s.sub = sub
	}

	if reconnect {
		s.statsMu.Lock()
		s.stats.Reconnects++
		s.statsMu.Unlock()
	}
	s.attempts = 0
	s.reconnecting = false
	s.markKeepAlive(false)

	s.keepAlive = s.loop.Every("supervisor-keep-alive", s.cfg.KeepAliveInterval, func() {
		s.runKeepAlive(gen)
	})
	s.health = s.loop.Every("supervisor-health-check", s.cfg.HealthCheckInterval, func() {
		s.checkHealth(gen)
	})
	s.watch(gen, s.link)
	s.transition(Connected, nil)
}

// watch turns a transport-reported drop into a loop event
func (s *Supervisor) watch(gen uint64, link device.Link) {
	done := s.sessionCtx.Done()
	groutine.Go(s.sessionCtx, "supervisor-link-watch", func(context.Context) {
		select {
		case <-link.Disconnected():
			s.loop.Post(func() {
				if gen == s.gen {
					s.fail(device.ErrNotConnected)
				}
			})
		case <-done:
		}
	})
}

// runKeepAlive tries RSSI, then capability re-enumeration, then link parameters
func (s *Supervisor) runKeepAlive(gen uint64) {
	if gen != s.gen || s.inFlight || s.link == nil {
		return
	}
	s.inFlight = true
	link := s.link

	s.loop.Spawn(s.sessionCtx, "supervisor-keep-alive", func(ctx context.Context) func() {
		op, err := keepAliveChain(ctx, link, s.cfg.OpTimeout)
		return func() {
			if gen != s.gen {
				return
			}
			s.inFlight = false
			if err != nil {
				s.statsMu.Lock()
				s.stats.KeepAliveFailures++
				s.statsMu.Unlock()
				s.logger.WithFields(logrus.Fields{
					"address": s.address,
					"error":   err,
				}).Warn("Keep-alive failed on every operation")
				return
			}
			s.markKeepAlive(true)
			s.logger.WithField("op", op).Debug("Keep-alive succeeded")
		}
	})
}

func keepAliveChain(ctx context.Context, link device.Link, timeout time.Duration) (string, error) {
	ops := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"rssi", func(ctx context.Context) error { _, err := link.ReadSignalStrength(ctx); return err }},
		{"capabilities", func(ctx context.Context) error { _, err := link.DiscoverCapabilities(ctx); return err }},
		{"link_parameters", func(ctx context.Context) error { _, err := link.ReadLinkParameters(ctx); return err }},
	}

	var errs []error
	for _, op := range ops {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		err := op.fn(opCtx)
		cancel()
		if err == nil {
			return op.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", op.name, err))
	}
	return "", errors.Join(errs...)
}

func (s *Supervisor) markKeepAlive(op bool) {
	s.statsMu.Lock()
	if op {
		s.stats.KeepAliveOps++
	}
	s.stats.LastKeepAlive = s.loop.Now()
	s.statsMu.Unlock()
}

func (s *Supervisor) checkHealth(gen uint64) {
	if gen != s.gen {
		return
	}
	since := s.loop.Now().Sub(s.Stats().LastKeepAlive)
	if since <= s.cfg.StaleThreshold {
		return
	}
	s.statsMu.Lock()
	s.stats.HealthTriggers++
	s.statsMu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"since":     since,
		"threshold": s.cfg.StaleThreshold,
	}).Warn("Keep-alive is stale, forcing one now")
	s.runKeepAlive(gen)
}

// fail tears the session down and schedules a bounded reconnect
func (s *Supervisor) fail(err error) {
	s.gen++
	s.teardown()
	s.transition(Disconnected, err)

	if !s.autoReconnect {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.autoReconnect = false
		s.transition(Fatal, fmt.Errorf("%w: %w", device.ErrFatal, err))
		return
	}

	s.attempts++
	s.reconnecting = true
	delay := time.Duration(s.attempts) * s.cfg.ReconnectDelay
	gen := s.gen
	s.logger.WithFields(logrus.Fields{
		"attempt":      s.attempts,
		"max_attempts": s.cfg.MaxReconnectAttempts,
		"delay":        delay,
	}).Info("Scheduling reconnect")
	s.transition(Reconnecting, nil)
	s.reconnect = s.loop.After("supervisor-reconnect", delay, func() {
		if gen != s.gen {
			return
		}
		s.reconnect = nil
		s.startSession()
	})
}

func (s *Supervisor) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.reconnecting = false
}

func (s *Supervisor) teardown() {
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
	s.inFlight = false
	if s.sessionCancel != nil {
		s.sessionCancel()
		s.sessionCtx, s.sessionCancel = nil, nil
	}
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.WithField("error", err).Debug("Unsubscribe failed during teardown")
		}
		s.sub = nil
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.logger.WithField("error", err).Debug("Link close failed during teardown")
		}
		s.link = nil
	}
}

// Package publish fans paced chunks, feature windows and link state out to NATS.
// Publishing is fire-and-forget: a failed publish is counted and logged, never queued.
package publish

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/features"
	"github.com/srg/mindlink/internal/stream"
	"github.com/srg/mindlink/internal/supervisor"
)

// Config holds the NATS connection settings. An empty URL disables publishing.
type Config struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject" default:"mindlink"`
	Name          string        `yaml:"name" default:"mindlink"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" default:"2s"`
	MaxReconnects int           `yaml:"max_reconnects" default:"10"`
	IncludeStats  bool          `yaml:"include_stats" default:"false"`
}

// Enabled reports whether a server is configured
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Conn is the subset of *nats.Conn used here
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

// Stats are publish counters
type Stats struct {
	Published uint64
	Failed    uint64
}

// Publisher encodes records as JSON and publishes them under Subject
type Publisher struct {
	conn         Conn
	subject      string
	includeStats bool
	logger       *logrus.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials the configured server
func Connect(cfg Config, logger *logrus.Logger) (*Publisher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("publish: no server url configured")
	}

	logger.WithField("url", cfg.URL).Info("Connecting to NATS...")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithField("error", err).Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.WithField("error", err).Error("NATS error")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("Connected to NATS")
	return New(nc, cfg, logger), nil
}

// New wraps an established connection
func New(conn Conn, cfg Config, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "mindlink"
	}
	return &Publisher{conn: conn, subject: subject, includeStats: cfg.IncludeStats, logger: logger}
}

type chunkMessage struct {
	Session      string        `json:"session"`
	SamplingRate float64       `json:"sampling_rate"`
	Timestamp    time.Time     `json:"timestamp"`
	Filtered     []float64     `json:"filtered"`
	Stats        *stream.Stats `json:"stats,omitempty"`
}

type windowMessage struct {
	Session string `json:"session"`
	features.Window
}

type stateMessage struct {
	State   string    `json:"state"`
	Session string    `json:"session,omitempty"`
	Address string    `json:"address,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Chunk publishes a paced filtered chunk on <subject>.<session>.chunk
func (p *Publisher) Chunk(session string, c stream.Chunk) {
	msg := chunkMessage{
		Session:      session,
		SamplingRate: c.SamplingRate,
		Timestamp:    c.Timestamp,
		Filtered:     c.Filtered,
	}
	if p.includeStats {
		msg.Stats = c.Stats
	}
	p.publish(p.Subject(session, "chunk"), msg)
}

// Window publishes a feature window on <subject>.<session>.features
func (p *Publisher) Window(session string, w features.Window) {
	p.publish(p.Subject(session, "features"), windowMessage{Session: session, Window: w})
}

// State publishes a link state transition on <subject>.<session>.state
func (p *Publisher) State(ev supervisor.Event) {
	msg := stateMessage{
		State:   ev.State.String(),
		Session: ev.Session,
		Address: ev.Address,
		Attempt: ev.Attempt,
		At:      ev.At,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	p.publish(p.Subject(ev.Session, "state"), msg)
}

// Subject builds the subject for a session and record kind
func (p *Publisher) Subject(session, kind string) string {
	if session == "" {
		session = "none"
	}
	return p.subject + "." + session + "." + kind
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"error":   err,
		}).Error("Failed to encode message")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"error":   err,
		}).Warn("Failed to publish message")
		return
	}
	p.published.Add(1)
}

// Stats returns the publish counters
func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close closes the connection
func (p *Publisher) Close() {
	p.conn.Close()
}

// Package events provides the typed fan-out used for every outward notification:
// filtered chunks, feature windows and connection state changes.
//
// Each Subscribe returns a single Cancel handle. Publish never blocks on a
// subscriber; a panicking handler is logged and skipped.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/ringchan"
)

// Cancel removes a subscription. Calling it more than once is a no-op.
type Cancel func()

// Stats is a snapshot of bus counters
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Panics      uint64
	Subscribers int
}

type subscriber[T any] struct {
	handler func(T)
	ch      *ringchan.RingChannel[T]
}

// Bus distributes values of type T to subscribers
type Bus[T any] struct {
	name   string
	subs   *hashmap.Map[uint64, *subscriber[T]]
	nextID atomic.Uint64
	logger *logrus.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

func New[T any](name string, logger *logrus.Logger) *Bus[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus[T]{
		name:   name,
		subs:   hashmap.New[uint64, *subscriber[T]](),
		logger: logger,
	}
}

// Subscribe registers a handler invoked synchronously on the publisher's goroutine
func (b *Bus[T]) Subscribe(handler func(T)) Cancel {
	return b.add(&subscriber[T]{handler: handler})
}

// SubscribeChan returns a channel fed without blocking; when full the oldest value is dropped.
// Cancel closes the channel.
func (b *Bus[T]) SubscribeChan(capacity int) (<-chan T, Cancel) {
	rc := ringchan.New[T](capacity)
	return rc.C(), b.add(&subscriber[T]{ch: rc})
}

func (b *Bus[T]) add(s *subscriber[T]) Cancel {
	id := b.nextID.Add(1)
	b.subs.Set(id, s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subs.Del(id)
			if s.ch != nil {
				s.ch.Close()
			}
		})
	}
}

// Publish delivers v to every current subscriber
func (b *Bus[T]) Publish(v T) {
	b.published.Add(1)
	b.subs.Range(func(id uint64, s *subscriber[T]) bool {
		if s.ch != nil {
			if s.ch.ForceSend(v) {
				b.dropped.Add(1)
			}
			b.delivered.Add(1)
			return true
		}
		b.invoke(id, s.handler, v)
		return true
	})
}

func (b *Bus[T]) invoke(id uint64, handler func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.WithFields(logrus.Fields{
				"bus":        b.name,
				"subscriber": id,
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()
	handler(v)
	b.delivered.Add(1)
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	return b.subs.Len()
}

func (b *Bus[T]) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Panics:      b.panics.Load(),
		Subscribers: b.subs.Len(),
	}
}

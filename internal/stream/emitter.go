package stream

import (
	"math"
	"time"
)

// Emitter sizes each emission to rate × tick, carrying the fractional remainder
// so the cumulative count tracks elapsed time. Emission waits for minBacklog
// once; the gate then stays open through underruns until Reset.
type Emitter struct {
	perTick    float64
	minBacklog int

	carry   float64
	started bool
	emitted uint64
}

func NewEmitter(rate float64, tick time.Duration, minBacklog int) *Emitter {
	return &Emitter{
		perTick:    rate * tick.Seconds(),
		minBacklog: minBacklog,
	}
}

// Take pops the samples due this tick
func (e *Emitter) Take(q *MicroQueue) []float64 {
	if !e.started {
		if q.Len() == 0 || q.Len() < e.minBacklog {
			return nil
		}
		e.started = true
	}

	due := e.perTick + e.carry
	n := int(math.Floor(due))
	e.carry = due - float64(n)

	if n > q.Len() {
		// underrun: no debt is carried into the next tick
		n = q.Len()
		e.carry = 0
	}
	out := q.PopN(n)
	e.emitted += uint64(len(out))
	return out
}

// Started reports whether the backlog gate is open
func (e *Emitter) Started() bool {
	return e.started
}

// Emitted returns the cumulative number of samples emitted
func (e *Emitter) Emitted() uint64 {
	return e.emitted
}

// Reset closes the backlog gate and drops the carry
func (e *Emitter) Reset() {
	e.carry = 0
	e.started = false
}

package stream

import (
	"fmt"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MicroQueue is the FIFO of filtered samples awaiting paced emission.
// It never holds more than its cap; the oldest samples are evicted first.
// Owned by the run loop.
type MicroQueue struct {
	ring    mpmc.RichOverlappedRingBuffer[float64]
	cap     int
	len     int
	evicted uint64
}

func NewMicroQueue(capacity int) (*MicroQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("micro-queue capacity must be > 0, got %d", capacity)
	}
	return &MicroQueue{
		ring: mpmc.NewOverlappedRingBuffer[float64](uint32(capacity * 2)),
		cap:  capacity,
	}, nil
}

// PushAll appends values, evicting the oldest beyond the cap
func (q *MicroQueue) PushAll(values []float64) {
	if skip := len(values) - q.cap; skip > 0 {
		q.evicted += uint64(skip)
		values = values[skip:]
	}
	for _, v := range values {
		if q.len >= q.cap {
			if _, err := q.ring.Dequeue(); err == nil {
				q.len--
				q.evicted++
			}
		}
		if _, err := q.ring.EnqueueM(v); err == nil {
			q.len++
		}
	}
}

// PopN removes up to n values from the head
func (q *MicroQueue) PopN(n int) []float64 {
	if n > q.len {
		n = q.len
	}
	if n <= 0 {
		return nil
	}
	out := make([]float64, 0, n)
	for len(out) < n {
		v, err := q.ring.Dequeue()
		if err != nil {
			break
		}
		out = append(out, v)
	}
	q.len -= len(out)
	return out
}

func (q *MicroQueue) Len() int {
	return q.len
}

func (q *MicroQueue) Cap() int {
	return q.cap
}

// Evicted returns the number of samples dropped by the cap
func (q *MicroQueue) Evicted() uint64 {
	return q.evicted
}

func (q *MicroQueue) Clear() {
	for !q.ring.IsEmpty() {
		if _, err := q.ring.Dequeue(); err != nil {
			break
		}
	}
	q.len = 0
}

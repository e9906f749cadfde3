// Package ingest holds the fixed-capacity buffers between the notification
// callback (single writer) and the processing tick (single reader).
package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/smallnest/ringbuffer"
)

// DefaultWindow is both the sample ring capacity and the rolling-window trim target
const DefaultWindow = 2048

// DefaultByteCapacity bounds raw notification bytes awaiting the parser
const DefaultByteCapacity = 16 * 1024

// Stats is a snapshot of buffer counters
type Stats struct {
	Written     uint64 `json:"written"`
	Overwritten uint64 `json:"overwritten"`
	Trimmed     uint64 `json:"trimmed"`
	Dropped     uint64 `json:"dropped"`
}

// SampleRing stores raw numeric samples. Push never blocks; when the ring
// overflows the oldest samples are overwritten.
type SampleRing struct {
	ring   mpmc.RichOverlappedRingBuffer[float64]
	window int

	written     atomic.Uint64
	overwritten atomic.Uint64
	trimmed     atomic.Uint64
}

// NewSampleRing creates a ring that keeps at most window samples per drain
func NewSampleRing(window int) (*SampleRing, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be > 0, got %d", window)
	}
	return &SampleRing{
		// headroom so the drain-side trim, not the ring, decides what is kept
		ring:   mpmc.NewOverlappedRingBuffer[float64](uint32(window * 2)),
		window: window,
	}, nil
}

// Push appends one sample in O(1)
func (r *SampleRing) Push(v float64) {
	overwrites, err := r.ring.EnqueueM(v)
	if err != nil {
		return
	}
	r.written.Add(1)
	if overwrites > 0 {
		r.overwritten.Add(uint64(overwrites))
	}
}

// Drain appends every buffered sample to dst and advances the read cursor.
// If more than the window is pending, the oldest excess is trimmed first.
func (r *SampleRing) Drain(dst []float64) []float64 {
	start := len(dst)
	for !r.ring.IsEmpty() {
		v, err := r.ring.Dequeue()
		if err != nil {
			break
		}
		dst = append(dst, v)
	}

	if excess := len(dst) - start - r.window; excess > 0 {
		r.trimmed.Add(uint64(excess))
		dst = append(dst[:start], dst[start+excess:]...)
	}
	return dst
}

// Len returns the number of unread samples
func (r *SampleRing) Len() int {
	return int(r.ring.Quantity())
}

// Window returns the trim target
func (r *SampleRing) Window() int {
	return r.window
}

// Reset discards every unread sample
func (r *SampleRing) Reset() {
	for !r.ring.IsEmpty() {
		if _, err := r.ring.Dequeue(); err != nil {
			return
		}
	}
}

func (r *SampleRing) Stats() Stats {
	return Stats{
		Written:     r.written.Load(),
		Overwritten: r.overwritten.Load(),
		Trimmed:     r.trimmed.Load(),
	}
}

// ByteRing stores raw notification payloads awaiting the frame parser.
// Bytes that do not fit are dropped and counted; the parser resynchronizes.
type ByteRing struct {
	ring    *ringbuffer.RingBuffer
	written atomic.Uint64
	dropped atomic.Uint64
}

func NewByteRing(capacity int) (*ByteRing, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0, got %d", capacity)
	}
	return &ByteRing{ring: ringbuffer.New(capacity)}, nil
}

// Write stores as much of p as fits and returns the accepted count
func (b *ByteRing) Write(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	n, _ := b.ring.Write(p)
	b.written.Add(uint64(n))
	if n < len(p) {
		b.dropped.Add(uint64(len(p) - n))
	}
	return n
}

// Drain returns every buffered byte
func (b *ByteRing) Drain() []byte {
	n := b.ring.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, err := b.ring.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	return buf[:read]
}

// Len returns the number of unread bytes
func (b *ByteRing) Len() int {
	return b.ring.Length()
}

func (b *ByteRing) Reset() {
	b.ring.Reset()
}

func (b *ByteRing) Stats() Stats {
	return Stats{
		Written: b.written.Load(),
		Dropped: b.dropped.Load(),
	}
}

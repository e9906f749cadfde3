package frame

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

var syncPair = []byte{SyncByte, SyncByte}

// Stats counts parser outcomes. Protocol errors are counted, never returned.
type Stats struct {
	Frames           uint64 `json:"frames"`
	ChecksumErrors   uint64 `json:"checksum_errors"`
	OversizedLengths uint64 `json:"oversized_lengths"`
	UnknownTypes     uint64 `json:"unknown_types"`
	DiscardedBytes   uint64 `json:"discarded_bytes"`
}

// Parser is a stateful decoder fed by repeated AddBytes calls.
// It is not safe for concurrent use; the owner serializes calls.
type Parser struct {
	buf    []byte
	stats  Stats
	logger *logrus.Logger
}

// NewParser creates a parser with an empty accumulator
func NewParser(logger *logrus.Logger) *Parser {
	if logger == nil {
		logger = logrus.New()
	}
	return &Parser{
		buf:    make([]byte, 0, 2*(MaxPayload+overhead)),
		logger: logger,
	}
}

// AddBytes appends a chunk and returns every sample completed by it, in arrival order
func (p *Parser) AddBytes(chunk []byte) []Sample {
	p.buf = append(p.buf, chunk...)

	var out []Sample
	for {
		idx := bytes.Index(p.buf, syncPair)
		if idx < 0 {
			// keep the trailing byte, it may be the first half of a sync pair
			if n := len(p.buf); n > 1 {
				p.discard(n - 1)
			}
			break
		}
		// a run of sync bytes resolves to its last pair
		for idx+2 < len(p.buf) && p.buf[idx+2] == SyncByte {
			idx++
		}
		if idx > 0 {
			p.discard(idx)
		}

		if len(p.buf) < overhead {
			break
		}

		length := int(p.buf[2])
		if length > MaxPayload {
			p.stats.OversizedLengths++
			p.logger.WithField("length", length).Debug("Oversized frame length, resyncing")
			p.discard(2)
			continue
		}

		total := overhead + length
		if len(p.buf) < total {
			break
		}

		f := Frame{
			Payload:  p.buf[3 : 3+length],
			Checksum: p.buf[3+length],
		}
		if !f.Valid() {
			p.stats.ChecksumErrors++
			p.logger.WithFields(logrus.Fields{
				"length":   length,
				"expected": Checksum(f.Payload),
				"actual":   f.Checksum,
			}).Debug("Frame checksum mismatch, discarded")
			p.discard(total)
			continue
		}

		sample, unknown := DecodePayload(f.Payload)
		p.stats.UnknownTypes += uint64(unknown)
		p.stats.Frames++
		p.consume(total)
		if !sample.IsEmpty() {
			out = append(out, sample)
		}
	}
	return out
}

// Stats returns a copy of the counters
func (p *Parser) Stats() Stats {
	return p.stats
}

// Buffered returns the number of bytes awaiting a complete frame
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops buffered bytes and counters
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.stats = Stats{}
}

func (p *Parser) discard(n int) {
	p.stats.DiscardedBytes += uint64(n)
	p.consume(n)
}

func (p *Parser) consume(n int) {
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

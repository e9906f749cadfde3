package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SyncByte is repeated twice at the start of every frame
	SyncByte byte = 0xAA
	// MaxPayload is the largest payload length accepted on the wire
	MaxPayload = 169
	// ExtendedCode may prefix a type byte and carries no value
	ExtendedCode byte = 0x55

	// overhead is sync(2) + length(1) + checksum(1)
	overhead = 4
)

// RawMicrovoltsPerCount scales a raw 16-bit count to microvolts (±2048 counts ≈ ±100 µV)
const RawMicrovoltsPerCount = 100.0 / 2048.0

// Code is a payload entry type byte
type Code byte

const (
	CodeBattery    Code = 0x01
	CodePoorSignal Code = 0x02
	CodeHeartRate  Code = 0x03
	CodeAttention  Code = 0x04
	CodeMeditation Code = 0x05
	CodeFirmware   Code = 0x07
	CodeRaw        Code = 0x80
	CodeBands      Code = 0x83
)

// Width returns the value width that follows the type byte, and false for unknown codes
func (c Code) Width() (int, bool) {
	switch c {
	case CodeBattery, CodePoorSignal, CodeHeartRate, CodeAttention, CodeMeditation, CodeFirmware:
		return 1, true
	case CodeRaw:
		return 2, true
	case CodeBands:
		return bandCount * 3, true
	default:
		return 0, false
	}
}

func (c Code) String() string {
	switch c {
	case CodeBattery:
		return "battery"
	case CodePoorSignal:
		return "poor_signal"
	case CodeHeartRate:
		return "heart_rate"
	case CodeAttention:
		return "attention"
	case CodeMeditation:
		return "meditation"
	case CodeFirmware:
		return "firmware"
	case CodeRaw:
		return "raw"
	case CodeBands:
		return "bands"
	default:
		return fmt.Sprintf("0x%02x", byte(c))
	}
}

const bandCount = 8

// BandNames lists power bands in wire order
var BandNames = [bandCount]string{
	"delta", "theta", "low_alpha", "high_alpha", "low_beta", "high_beta", "low_gamma", "mid_gamma",
}

// Bands holds the eight 24-bit power-band magnitudes
type Bands struct {
	Delta     uint32 `json:"delta"`
	Theta     uint32 `json:"theta"`
	LowAlpha  uint32 `json:"low_alpha"`
	HighAlpha uint32 `json:"high_alpha"`
	LowBeta   uint32 `json:"low_beta"`
	HighBeta  uint32 `json:"high_beta"`
	LowGamma  uint32 `json:"low_gamma"`
	MidGamma  uint32 `json:"mid_gamma"`
}

// Values returns the magnitudes in wire order
func (b Bands) Values() [bandCount]uint32 {
	return [bandCount]uint32{b.Delta, b.Theta, b.LowAlpha, b.HighAlpha, b.LowBeta, b.HighBeta, b.LowGamma, b.MidGamma}
}

func bandsFromValues(v [bandCount]uint32) Bands {
	return Bands{
		Delta: v[0], Theta: v[1], LowAlpha: v[2], HighAlpha: v[3],
		LowBeta: v[4], HighBeta: v[5], LowGamma: v[6], MidGamma: v[7],
	}
}

// Sample is one decoded frame. Only fields present in the payload are set.
type Sample struct {
	PoorSignal *uint8 `json:"poor_signal,omitempty"`
	Attention  *uint8 `json:"attention,omitempty"`
	Meditation *uint8 `json:"meditation,omitempty"`
	HeartRate  *uint8 `json:"heart_rate,omitempty"`
	Battery    *uint8 `json:"battery,omitempty"`
	Firmware   *uint8 `json:"firmware,omitempty"`
	Raw        *int16 `json:"raw,omitempty"`
	Bands      *Bands `json:"bands,omitempty"`
}

// IsEmpty reports whether no field was decoded
func (s Sample) IsEmpty() bool {
	return s.PoorSignal == nil && s.Attention == nil && s.Meditation == nil && s.HeartRate == nil &&
		s.Battery == nil && s.Firmware == nil && s.Raw == nil && s.Bands == nil
}

// RawMicrovolts returns the raw value scaled to microvolts
func (s Sample) RawMicrovolts() (float64, bool) {
	if s.Raw == nil {
		return 0, false
	}
	return float64(*s.Raw) * RawMicrovoltsPerCount, true
}

// Frame is one sync-delimited protocol unit
type Frame struct {
	Payload  []byte
	Checksum byte
}

// Valid reports whether the trailing checksum matches the payload
func (f Frame) Valid() bool {
	return Checksum(f.Payload) == f.Checksum
}

// Checksum computes (~sum(payload)) & 0xFF
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return ^sum
}

var ErrPayloadTooLarge = errors.New("payload too large")

// Build wraps a payload into a complete frame
func Build(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	out := make([]byte, 0, len(payload)+overhead)
	out = append(out, SyncByte, SyncByte, byte(len(payload)))
	out = append(out, payload...)
	return append(out, Checksum(payload)), nil
}

// Encode serializes the set fields of a sample into a complete frame
func Encode(s Sample) ([]byte, error) {
	payload := make([]byte, 0, 32)
	put := func(c Code, v *uint8) {
		if v != nil {
			payload = append(payload, byte(c), *v)
		}
	}
	put(CodeBattery, s.Battery)
	put(CodePoorSignal, s.PoorSignal)
	put(CodeHeartRate, s.HeartRate)
	put(CodeAttention, s.Attention)
	put(CodeMeditation, s.Meditation)
	put(CodeFirmware, s.Firmware)
	if s.Raw != nil {
		payload = append(payload, byte(CodeRaw))
		payload = binary.BigEndian.AppendUint16(payload, uint16(*s.Raw))
	}
	if s.Bands != nil {
		payload = append(payload, byte(CodeBands))
		for _, v := range s.Bands.Values() {
			if v > 0xFFFFFF {
				v = 0xFFFFFF
			}
			payload = append(payload, byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return Build(payload)
}

// DecodePayload decodes [type][value...] entries. Unknown type bytes are skipped
// up to the next recognized type; the returned count is the number of skipped runs.
func DecodePayload(payload []byte) (Sample, int) {
	var s Sample
	unknown := 0

	for i := 0; i < len(payload); {
		if payload[i] == ExtendedCode {
			i++
			continue
		}
		code := Code(payload[i])
		width, ok := code.Width()
		if !ok {
			unknown++
			i++
			for i < len(payload) && !isKnown(payload[i]) {
				i++
			}
			continue
		}
		if i+1+width > len(payload) {
			// truncated entry
			unknown++
			break
		}
		v := payload[i+1 : i+1+width]
		switch code {
		case CodeBattery:
			s.Battery = u8(v[0])
		case CodePoorSignal:
			s.PoorSignal = u8(v[0])
		case CodeHeartRate:
			s.HeartRate = u8(v[0])
		case CodeAttention:
			s.Attention = u8(v[0])
		case CodeMeditation:
			s.Meditation = u8(v[0])
		case CodeFirmware:
			s.Firmware = u8(v[0])
		case CodeRaw:
			raw := int16(binary.BigEndian.Uint16(v))
			s.Raw = &raw
		case CodeBands:
			var vals [bandCount]uint32
			for b := 0; b < bandCount; b++ {
				vals[b] = uint32(v[b*3])<<16 | uint32(v[b*3+1])<<8 | uint32(v[b*3+2])
			}
			bands := bandsFromValues(vals)
			s.Bands = &bands
		}
		i += 1 + width
	}
	return s, unknown
}

func isKnown(b byte) bool {
	if b == ExtendedCode {
		return true
	}
	_, ok := Code(b).Width()
	return ok
}

func u8(b byte) *uint8 { return &b }

// Uint8 returns a pointer to v, for building samples
func Uint8(v uint8) *uint8 { return &v }

// Int16 returns a pointer to v, for building samples
func Int16(v int16) *int16 { return &v }

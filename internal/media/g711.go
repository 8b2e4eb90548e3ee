package media

import (
	"fmt"
	"time"
)

// RTP static payload types for the G.711 codecs the machine speaks.
const (
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law
)

const (
	// ClockRate is the sample rate of the bridge and of every G.711 stream.
	ClockRate = 8000

	// SamplesPerFrame is one 20 ms frame at 8 kHz.
	SamplesPerFrame = 160

	// FrameDuration is the bridge tick and the stream ptime.
	FrameDuration = 20 * time.Millisecond
)

var (
	ulawToLinear [256]int16
	alawToLinear [256]int16
	linearToUlaw [65536]uint8
	linearToAlaw [65536]uint8
)

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

func decodeUlaw(u uint8) int16 {
	u = ^u
	exponent := uint(u>>4) & 0x07
	mantissa := int32(u & 0x0F)
	t := ((mantissa << 3) + 0x84) << exponent
	if u&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}

func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	switch seg := uint(a&0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := uint8(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> uint(exponent+3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// alawSegEnd holds the upper bound of each a-law segment for 13-bit input.
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeAlaw(sample int16) uint8 {
	s := int32(sample) >> 3
	mask := uint8(0xD5)
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && s > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return 0x7F ^ mask
	}

	aval := uint8(seg << 4)
	if seg < 2 {
		aval |= uint8(s>>1) & 0x0F
	} else {
		aval |= uint8(s>>uint(seg)) & 0x0F
	}
	return aval ^ mask
}

// Codec converts between linear PCM frames and one G.711 payload type.
type Codec struct {
	PayloadType uint8
	Name        string
}

// Static G.711 codecs.
var (
	CodecPCMU = Codec{PayloadType: PayloadPCMU, Name: "PCMU"}
	CodecPCMA = Codec{PayloadType: PayloadPCMA, Name: "PCMA"}
)

// CodecFor returns the codec for a G.711 static payload type.
func CodecFor(pt uint8) (Codec, error) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, nil
	case PayloadPCMA:
		return CodecPCMA, nil
	}
	return Codec{}, fmt.Errorf("unsupported payload type %d", pt)
}

// Encode appends the encoded form of pcm to dst.
func (c Codec) Encode(dst []byte, pcm []int16) []byte {
	table := &linearToUlaw
	if c.Name == "PCMA" {
		table = &linearToAlaw
	}
	for _, s := range pcm {
		dst = append(dst, table[uint16(s)])
	}
	return dst
}

// Decode writes up to len(pcm) decoded samples and returns how many were written.
func (c Codec) Decode(pcm []int16, payload []byte) int {
	table := &ulawToLinear
	if c.Name == "PCMA" {
		table = &alawToLinear
	}
	n := min(len(pcm), len(payload))
	for i := 0; i < n; i++ {
		pcm[i] = table[payload[i]]
	}
	return n
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

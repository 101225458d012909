package vision

import (
	"encoding/binary"
	"math"
)

// HalfToFloat32 decodes an IEEE-754 binary16 bit pattern.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	frac := uint32(h & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: shift until the implicit bit appears.
		e := int32(-14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x03FF
		return math.Float32frombits(sign | uint32(127+e)<<23 | frac<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp-15+127)<<23 | frac<<13)
	}
}

// DecodeHalfBytes decodes little-endian binary16 values, as ONNX Runtime lays
// them out in tensor memory.
func DecodeHalfBytes(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = HalfToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

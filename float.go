package modbus

import (
	"math"
)

// FloatOrder is the byte/word layout of a float spread over two registers.
// A B C D name the bytes of the IEEE 754 value, most significant first.
type FloatOrder int

// float orders
const (
	// FloatNormal low word first, the historic default layout (same as CDAB).
	FloatNormal FloatOrder = iota
	// FloatABCD big endian.
	FloatABCD
	// FloatDCBA little endian.
	FloatDCBA
	// FloatBADC big endian words, bytes swapped inside each word.
	FloatBADC
	// FloatCDAB little endian words, bytes kept inside each word.
	FloatCDAB
)

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

// toRegisters lays out the 32 bit pattern ABCD in order.
func (o FloatOrder) toRegisters(i uint32) (uint16, uint16) {
	hi, lo := uint16(i>>16), uint16(i)
	switch o {
	case FloatABCD:
		return hi, lo
	case FloatDCBA:
		return swap16(lo), swap16(hi)
	case FloatBADC:
		return swap16(hi), swap16(lo)
	default: // FloatNormal, FloatCDAB
		return lo, hi
	}
}

// fromRegisters reverses toRegisters.
func (o FloatOrder) fromRegisters(r0, r1 uint16) uint32 {
	var hi, lo uint16
	switch o {
	case FloatABCD:
		hi, lo = r0, r1
	case FloatDCBA:
		hi, lo = swap16(r1), swap16(r0)
	case FloatBADC:
		hi, lo = swap16(r0), swap16(r1)
	default:
		hi, lo = r1, r0
	}
	return uint32(hi)<<16 | uint32(lo)
}

// GetFloat reads a float from regs[0:2] in order.
func GetFloat(order FloatOrder, regs []uint16) float32 {
	return math.Float32frombits(order.fromRegisters(regs[0], regs[1]))
}

// SetFloat stores v into regs[0:2] in order.
func SetFloat(order FloatOrder, v float32, regs []uint16) {
	regs[0], regs[1] = order.toRegisters(math.Float32bits(v))
}

// GetFloatABCD get float in ABCD order
func GetFloatABCD(regs []uint16) float32 { return GetFloat(FloatABCD, regs) }

// GetFloatDCBA get float in DCBA order
func GetFloatDCBA(regs []uint16) float32 { return GetFloat(FloatDCBA, regs) }

// GetFloatBADC get float in BADC order
func GetFloatBADC(regs []uint16) float32 { return GetFloat(FloatBADC, regs) }

// GetFloatCDAB get float in CDAB order
func GetFloatCDAB(regs []uint16) float32 { return GetFloat(FloatCDAB, regs) }

// SetFloatABCD set float in ABCD order
func SetFloatABCD(v float32, regs []uint16) { SetFloat(FloatABCD, v, regs) }

// SetFloatDCBA set float in DCBA order
func SetFloatDCBA(v float32, regs []uint16) { SetFloat(FloatDCBA, v, regs) }

// SetFloatBADC set float in BADC order
func SetFloatBADC(v float32, regs []uint16) { SetFloat(FloatBADC, v, regs) }

// SetFloatCDAB set float in CDAB order
func SetFloatCDAB(v float32, regs []uint16) { SetFloat(FloatCDAB, v, regs) }

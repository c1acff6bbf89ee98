package modbus

// BitOrder selects how boolean cells are laid out in a packed byte.
type BitOrder int

// bit orders
const (
	// LSBFirst first cell in bit 0, the order used on the wire.
	LSBFirst BitOrder = iota
	// MSBFirst first cell in bit 7.
	MSBFirst
)

func bitMask(i int, order BitOrder) byte {
	if order == MSBFirst {
		return 0x80 >> uint(i%8)
	}
	return 1 << uint(i%8)
}

// PackBits packs boolean cells (one byte each, non zero is set) into
// bytes. A partial last byte is zero padded.
func PackBits(bits []byte, order BitOrder) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v != 0 {
			packed[i/8] |= bitMask(i, order)
		}
	}
	return packed
}

// UnpackBits expands quantity cells out of packed. Cells beyond the
// packed data are not produced.
func UnpackBits(packed []byte, quantity int, order BitOrder) []byte {
	if max := len(packed) * 8; quantity > max {
		quantity = max
	}
	if quantity < 0 {
		quantity = 0
	}
	bits := make([]byte, quantity)
	for i := range bits {
		if packed[i/8]&bitMask(i, order) != 0 {
			bits[i] = 1
		}
	}
	return bits
}

// SetBitsFromByte spreads the 8 bits of value, LSB first, over
// dest[idx:idx+8].
func SetBitsFromByte(dest []byte, idx int, value byte) {
	for i := 0; i < 8; i++ {
		dest[idx+i] = (value >> uint(i)) & 1
	}
}

// SetBitsFromBytes spreads nbBits bits of src, LSB first, over dest
// starting at idx.
func SetBitsFromBytes(dest []byte, idx, nbBits int, src []byte) {
	copy(dest[idx:idx+nbBits], UnpackBits(src, nbBits, LSBFirst))
}

// GetByteFromBits gathers up to 8 cells from src[idx:] into one byte,
// LSB first.
func GetByteFromBits(src []byte, idx, nbBits int) byte {
	if nbBits > 8 {
		nbBits = 8
	}
	var value byte
	for i := 0; i < nbBits; i++ {
		if src[idx+i] != 0 {
			value |= 1 << uint(i)
		}
	}
	return value
}

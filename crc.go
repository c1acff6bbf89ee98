package modbus

// crcTable is the CRC-16/MODBUS lookup table, polynomial 0xA001 reflected.
var crcTable = func() (table [256]uint16) {
	const crcPoly16 = 0xa001

	for i := range table {
		crc := uint16(0)
		b := uint16(i)

		for j := 0; j < 8; j++ {
			if ((crc ^ b) & 0x0001) > 0 {
				crc = (crc >> 1) ^ crcPoly16
			} else {
				crc >>= 1
			}
			b >>= 1
		}
		table[i] = crc
	}
	return
}()

// crc16 Cyclical Redundancy Checking of an RTU frame, sent low byte first.
func crc16(bs []byte) uint16 {
	val := uint16(0xFFFF)
	for _, v := range bs {
		val = (val >> 8) ^ crcTable[(val^uint16(v))&0x00FF]
	}
	return val
}

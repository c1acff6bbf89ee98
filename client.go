package modbus

import (
	"encoding/binary"
)

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x01)
//  Starting address      : 2 bytes
//  Quantity of coils     : 2 bytes
// Response:
//  Function code         : 1 byte (0x01)
//  Byte count            : 1 byte
//  Coil status           : N* bytes (=N or N+1)
//  return one byte per coil, 0 or 1
func (sf *Conn) ReadBits(address, quantity uint16) ([]byte, error) {
	return sf.readBits(FuncCodeReadCoils, address, quantity)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x02)
//  Starting address      : 2 bytes
//  Quantity of inputs    : 2 bytes
// Response:
//  Function code         : 1 byte (0x02)
//  Byte count            : 1 byte
//  Input status          : N* bytes (=N or N+1)
//  return one byte per input, 0 or 1
func (sf *Conn) ReadInputBits(address, quantity uint16) ([]byte, error) {
	return sf.readBits(FuncCodeReadDiscreteInputs, address, quantity)
}

// readBits reads bits with funcCode. A slave answering with fewer bytes
// than asked for delivers only the cells those bytes hold.
func (sf *Conn) readBits(funcCode byte, address, quantity uint16) ([]byte, error) {
	if quantity < ReadBitsQuantityMin || quantity > ReadBitsQuantityMax {
		return nil, illegalValue("quantity '%v' must be between '%v' and '%v'",
			quantity, ReadBitsQuantityMin, ReadBitsQuantityMax)
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: funcCode,
		Data:     uint162Bytes(address, quantity),
	})

	switch {
	case err != nil:
		return nil, err
	case len(response.Data)-1 != int(response.Data[0]):
		return nil, invalidResponse("response byte size '%v' does not match count '%v'",
			len(response.Data)-1, response.Data[0])
	case uint16(response.Data[0]) > (quantity+7)/8:
		return nil, invalidResponse("response byte size '%v' exceeds quantity to bytes '%v'",
			response.Data[0], (quantity+7)/8)
	}
	delivered := int(response.Data[0]) * 8
	if delivered > int(quantity) {
		delivered = int(quantity)
	}
	return UnpackBits(response.Data[1:], delivered, LSBFirst), nil
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x03)
//  Starting address      : 2 bytes
//  Quantity of registers : 2 bytes
// Response:
//  Function code         : 1 byte (0x03)
//  Byte count            : 1 byte
//  Register value        : Nx2 bytes
func (sf *Conn) ReadRegisters(address, quantity uint16) ([]uint16, error) {
	return sf.readRegisters(FuncCodeReadHoldingRegisters, address, quantity)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x04)
//  Starting address      : 2 bytes
//  Quantity of registers : 2 bytes
// Response:
//  Function code         : 1 byte (0x04)
//  Byte count            : 1 byte
//  Input registers       : N bytes
func (sf *Conn) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return sf.readRegisters(FuncCodeReadInputRegisters, address, quantity)
}

func (sf *Conn) readRegisters(funcCode byte, address, quantity uint16) ([]uint16, error) {
	if quantity < ReadRegQuantityMin || quantity > ReadRegQuantityMax {
		return nil, illegalValue("quantity '%v' must be between '%v' and '%v'",
			quantity, ReadRegQuantityMin, ReadRegQuantityMax)
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: funcCode,
		Data:     uint162Bytes(address, quantity),
	})
	if err != nil {
		return nil, err
	}
	return registersFromResponse(response, quantity)
}

// registersFromResponse checks the byte count of a register read reply.
// Fewer registers than quantity are delivered as they are.
func registersFromResponse(response ProtocolDataUnit, quantity uint16) ([]uint16, error) {
	switch {
	case len(response.Data)-1 != int(response.Data[0]):
		return nil, invalidResponse("response byte size '%v' does not match count '%v'",
			len(response.Data)-1, response.Data[0])
	case response.Data[0]%2 != 0:
		return nil, invalidResponse("response byte size '%v' is odd", response.Data[0])
	case uint16(response.Data[0]) > quantity*2:
		return nil, invalidResponse("response byte size '%v' exceeds quantity to bytes '%v'",
			response.Data[0], quantity*2)
	}
	return bytes2Uint16(response.Data[1:]), nil
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x05)
//  Output address        : 2 bytes
//  Output value          : 2 bytes
// Response:
//  Function code         : 1 byte (0x05)
//  Output address        : 2 bytes
//  Output value          : 2 bytes
func (sf *Conn) WriteBit(address uint16, isOn bool) error {
	var value uint16
	if isOn { // The requested ON/OFF state can only be 0xFF00 and 0x0000
		value = 0xFF00
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeWriteSingleCoil,
		Data:     uint162Bytes(address, value),
	})
	return checkEcho(response, err, address, value)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x0F)
//  Starting address      : 2 bytes
//  Quantity of outputs   : 2 bytes
//  Byte count            : 1 byte
//  Outputs value         : N* bytes
// Response:
//  Function code         : 1 byte (0x0F)
//  Starting address      : 2 bytes
//  Quantity of outputs   : 2 bytes
// values holds one byte per coil, any non zero byte is on.
func (sf *Conn) WriteBits(address uint16, values []byte) error {
	quantity := len(values)
	if quantity < WriteBitsQuantityMin || quantity > WriteBitsQuantityMax {
		return illegalValue("quantity '%v' must be between '%v' and '%v'",
			quantity, WriteBitsQuantityMin, WriteBitsQuantityMax)
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeWriteMultipleCoils,
		Data:     pduDataBlockSuffix(PackBits(values, LSBFirst), address, uint16(quantity)),
	})
	return checkEcho(response, err, address, uint16(quantity))
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x06)
//  Register address      : 2 bytes
//  Register value        : 2 bytes
// Response:
//  Function code         : 1 byte (0x06)
//  Register address      : 2 bytes
//  Register value        : 2 bytes
func (sf *Conn) WriteRegister(address, value uint16) error {
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeWriteSingleRegister,
		Data:     uint162Bytes(address, value),
	})
	return checkEcho(response, err, address, value)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x10)
//  Starting address      : 2 bytes
//  Quantity of outputs   : 2 bytes
//  Byte count            : 1 byte
//  Registers value       : N* bytes
// Response:
//  Function code         : 1 byte (0x10)
//  Starting address      : 2 bytes
//  Quantity of registers : 2 bytes
func (sf *Conn) WriteRegisters(address uint16, values []uint16) error {
	quantity := len(values)
	if quantity < WriteRegQuantityMin || quantity > WriteRegQuantityMax {
		return illegalValue("quantity '%v' must be between '%v' and '%v'",
			quantity, WriteRegQuantityMin, WriteRegQuantityMax)
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeWriteMultipleRegisters,
		Data:     pduDataBlockSuffix(uint162Bytes(values...), address, uint16(quantity)),
	})
	return checkEcho(response, err, address, uint16(quantity))
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x16)
//  Reference address     : 2 bytes
//  AND-mask              : 2 bytes
//  OR-mask               : 2 bytes
// Response:
//  Function code         : 1 byte (0x16)
//  Reference address     : 2 bytes
//  AND-mask              : 2 bytes
//  OR-mask               : 2 bytes
func (sf *Conn) MaskWriteRegister(address, andMask, orMask uint16) error {
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeMaskWriteRegister,
		Data:     uint162Bytes(address, andMask, orMask),
	})
	return checkEcho(response, err, address, andMask, orMask)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x17)
//  Read starting address: 2 bytes
//  Quantity to read      : 2 bytes
//  Write starting address: 2 bytes
//  Quantity to write     : 2 bytes
//  Write byte count      : 1 byte
//  Write registers value : N* bytes
// Response:
//  Function code         : 1 byte (0x17)
//  Byte count            : 1 byte
//  Read registers value  : Nx2 bytes
// The write is performed before the read.
func (sf *Conn) WriteAndReadRegisters(writeAddress uint16, values []uint16,
	readAddress, readQuantity uint16) ([]uint16, error) {
	writeQuantity := len(values)
	if readQuantity < ReadWriteOnReadRegQuantityMin || readQuantity > ReadWriteOnReadRegQuantityMax {
		return nil, illegalValue("quantity to read '%v' must be between '%v' and '%v'",
			readQuantity, ReadWriteOnReadRegQuantityMin, ReadWriteOnReadRegQuantityMax)
	}
	if writeQuantity < ReadWriteOnWriteRegQuantityMin || writeQuantity > ReadWriteOnWriteRegQuantityMax {
		return nil, illegalValue("quantity to write '%v' must be between '%v' and '%v'",
			writeQuantity, ReadWriteOnWriteRegQuantityMin, ReadWriteOnWriteRegQuantityMax)
	}
	response, err := sf.send(ProtocolDataUnit{
		FuncCode: FuncCodeReadWriteMultipleRegisters,
		Data: pduDataBlockSuffix(uint162Bytes(values...),
			readAddress, readQuantity, writeAddress, uint16(writeQuantity)),
	})
	if err != nil {
		return nil, err
	}
	return registersFromResponse(response, readQuantity)
}

// Request:
//  Slave Id              : 1 byte
//  Function code         : 1 byte (0x11)
// Response:
//  Function code         : 1 byte (0x11)
//  Byte count            : 1 byte
//  Slave ID and run indicator, device specific: N bytes
func (sf *Conn) ReportSlaveID() ([]byte, error) {
	response, err := sf.send(ProtocolDataUnit{FuncCode: FuncCodeOtherReportSlaveID})
	switch {
	case err != nil:
		return nil, err
	case len(response.Data)-1 != int(response.Data[0]):
		return nil, invalidResponse("response byte size '%v' does not match count '%v'",
			len(response.Data)-1, response.Data[0])
	}
	return response.Data[1:], nil
}

// checkEcho verifies a write reply repeats the given fields of the request.
// A broadcast write has no reply and succeeds once sent.
func checkEcho(response ProtocolDataUnit, err error, want ...uint16) error {
	switch {
	case err == ErrBroadcast:
		return nil
	case err != nil:
		return err
	case len(response.Data) != 2*len(want):
		// Fixed response length
		return invalidResponse("response data size '%v' does not match expected '%v'",
			len(response.Data), 2*len(want))
	}
	for i, v := range want {
		if got := binary.BigEndian.Uint16(response.Data[2*i:]); got != v {
			return invalidResponse("response field %d '%v' does not match request '%v'", i, got, v)
		}
	}
	return nil
}

// helper

// uint162Bytes creates a sequence of uint16 data.
func uint162Bytes(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// bytes2Uint16 bytes convert to uint16 for register.
func bytes2Uint16(buf []byte) []uint16 {
	data := make([]uint16, 0, len(buf)/2)
	for i := 0; i < len(buf)/2; i++ {
		data = append(data, binary.BigEndian.Uint16(buf[i*2:]))
	}
	return data
}

// pduDataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func pduDataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

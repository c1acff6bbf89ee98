package modbus

import (
	"encoding/binary"
)

const (
	funcReadMinSize       = 4 // 读操作 最小数据域个数
	funcWriteMinSize      = 4 // 写操作 最小数据域个数
	funcWriteMultiMinSize = 5 // 写多个操作 最小数据域个数
	funcReadWriteMinSize  = 9 // 读写操作 最小数据域个数
	funcMaskWriteMinSize  = 6 // 屏蔽写操作 最小数据域个数
)

// FunctionHandler 功能码对应的函数回调
// data is the request pdu data, the result is the reply pdu data.
// Returning an *Error sends its exception code, any other error is
// answered as a server device failure.
type FunctionHandler func(m *Mapping, data []byte) ([]byte, error)

type serverHandler struct {
	function map[uint8]FunctionHandler
}

func newServerHandler() *serverHandler {
	return &serverHandler{
		function: map[uint8]FunctionHandler{
			FuncCodeReadDiscreteInputs:         funcReadDiscreteInputs,
			FuncCodeReadCoils:                  funcReadCoils,
			FuncCodeWriteSingleCoil:            funcWriteSingleCoil,
			FuncCodeWriteMultipleCoils:         funcWriteMultiCoils,
			FuncCodeReadInputRegisters:         funcReadInputRegisters,
			FuncCodeReadHoldingRegisters:       funcReadHoldingRegisters,
			FuncCodeWriteSingleRegister:        funcWriteSingleRegister,
			FuncCodeWriteMultipleRegisters:     funcWriteMultiHoldingRegisters,
			FuncCodeReadWriteMultipleRegisters: funcReadWriteMultiHoldingRegisters,
			FuncCodeMaskWriteRegister:          funcMaskWriteRegisters,
		},
	}
}

// RegisterFunctionHandler 注册回调函数, replacing any handler for funcCode.
// Register before serving, handlers are shared by accepted peers.
func (sf *serverHandler) RegisterFunctionHandler(funcCode uint8, function FunctionHandler) {
	sf.function[funcCode] = function
}

// readBits 读位寄存器
func readBits(data []byte, read func(address, quantity uint16) ([]byte, error)) ([]byte, error) {
	if len(data) != funcReadMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < ReadBitsQuantityMin || quantity > ReadBitsQuantityMax {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}
	value, err := read(address, quantity)
	if err != nil {
		return nil, err
	}
	packed := PackBits(value, LSBFirst)
	result := make([]byte, 0, len(packed)+1)
	result = append(result, byte(len(packed)))
	return append(result, packed...), nil
}

// funcReadDiscreteInputs 读离散量输入,返回仅含PDU数据域
func funcReadDiscreteInputs(m *Mapping, data []byte) ([]byte, error) {
	return readBits(data, m.ReadInputBits)
}

// funcReadCoils 读线圈,返回仅含PDU数据域
func funcReadCoils(m *Mapping, data []byte) ([]byte, error) {
	return readBits(data, m.ReadBits)
}

// funcWriteSingleCoil 写单个线圈,返回仅含PDU数据域
func funcWriteSingleCoil(m *Mapping, data []byte) ([]byte, error) {
	if len(data) != funcWriteMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	newValue := binary.BigEndian.Uint16(data[2:])
	if !(newValue == 0xFF00 || newValue == 0x0000) {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}
	b := byte(0)
	if newValue == 0xFF00 {
		b = 1
	}
	if err := m.WriteBits(address, []byte{b}); err != nil {
		return nil, err
	}
	return data, nil
}

// funcWriteMultiCoils 写多个线圈,返回仅含PDU数据域
func funcWriteMultiCoils(m *Mapping, data []byte) ([]byte, error) {
	if len(data) < funcWriteMultiMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCnt := int(data[4])
	if quantity < WriteBitsQuantityMin || quantity > WriteBitsQuantityMax ||
		byteCnt != int(quantity+7)/8 || len(data) != funcWriteMultiMinSize+byteCnt {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}
	if err := m.WriteBits(address, UnpackBits(data[5:], int(quantity), LSBFirst)); err != nil {
		return nil, err
	}
	return data[:4], nil
}

// readRegisters 读继寄器,返回仅含PDU数据域
func readRegisters(data []byte, read func(address, quantity uint16) ([]uint16, error)) ([]byte, error) {
	if len(data) != funcReadMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity > ReadRegQuantityMax || quantity < ReadRegQuantityMin {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}
	value, err := read(address, quantity)
	if err != nil {
		return nil, err
	}
	return registersReply(value), nil
}

// registersReply builds byte count followed by the register values.
func registersReply(value []uint16) []byte {
	return append([]byte{byte(len(value) * 2)}, uint162Bytes(value...)...)
}

// funcReadInputRegisters 读输入寄存器,返回仅含PDU数据域
func funcReadInputRegisters(m *Mapping, data []byte) ([]byte, error) {
	return readRegisters(data, m.ReadInputRegisters)
}

// funcReadHoldingRegisters 读保持寄存器,返回仅含PDU数据域
func funcReadHoldingRegisters(m *Mapping, data []byte) ([]byte, error) {
	return readRegisters(data, m.ReadRegisters)
}

// funcWriteSingleRegister 写单个保持寄存器,返回仅含PDU数据域
func funcWriteSingleRegister(m *Mapping, data []byte) ([]byte, error) {
	if len(data) != funcWriteMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	if err := m.WriteRegisters(address, bytes2Uint16(data[2:])); err != nil {
		return nil, err
	}
	return data, nil
}

// funcWriteMultiHoldingRegisters 写多个保持寄存器,返回仅含PDU数据域
func funcWriteMultiHoldingRegisters(m *Mapping, data []byte) ([]byte, error) {
	if len(data) < funcWriteMultiMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(data)
	count := binary.BigEndian.Uint16(data[2:])
	byteCnt := int(data[4])
	if count < WriteRegQuantityMin || count > WriteRegQuantityMax ||
		byteCnt != int(count)*2 || len(data) != funcWriteMultiMinSize+byteCnt {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	if err := m.WriteRegisters(address, bytes2Uint16(data[5:])); err != nil {
		return nil, err
	}
	return data[:4], nil
}

// funcReadWriteMultiHoldingRegisters 读写多个保持寄存器,返回仅含PDU数据域
func funcReadWriteMultiHoldingRegisters(m *Mapping, data []byte) ([]byte, error) {
	if len(data) < funcReadWriteMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	readAddress := binary.BigEndian.Uint16(data)
	readCount := binary.BigEndian.Uint16(data[2:])
	writeAddress := binary.BigEndian.Uint16(data[4:])
	writeCount := binary.BigEndian.Uint16(data[6:])
	writeByteCnt := int(data[8])
	if readCount < ReadWriteOnReadRegQuantityMin || readCount > ReadWriteOnReadRegQuantityMax ||
		writeCount < ReadWriteOnWriteRegQuantityMin || writeCount > ReadWriteOnWriteRegQuantityMax ||
		writeByteCnt != int(writeCount)*2 || len(data) != funcReadWriteMinSize+writeByteCnt {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	value, err := m.WriteAndReadRegisters(writeAddress, bytes2Uint16(data[9:]), readAddress, readCount)
	if err != nil {
		return nil, err
	}
	return registersReply(value), nil
}

// funcMaskWriteRegisters 屏蔽写寄存器,返回仅含PDU数据域
func funcMaskWriteRegisters(m *Mapping, data []byte) ([]byte, error) {
	if len(data) != funcMaskWriteMinSize {
		return nil, exception(ExceptionCodeIllegalDataValue)
	}

	referAddress := binary.BigEndian.Uint16(data)
	andMask := binary.BigEndian.Uint16(data[2:])
	orMask := binary.BigEndian.Uint16(data[4:])
	if err := m.MaskWriteRegister(referAddress, andMask, orMask); err != nil {
		return nil, err
	}
	return data, nil
}

// runIndicatorOn run indicator status of a report slave id reply
const runIndicatorOn = 0xFF

// reportSlaveIDName follows slave id and run indicator in a report slave id reply.
var reportSlaveIDName = "mbengine modbus " + VersionString

// funcReportSlaveID 报告从站ID, answering with the current slave address,
// the run indicator and the engine name.
func funcReportSlaveID(slaveID func() byte) FunctionHandler {
	return func(_ *Mapping, data []byte) ([]byte, error) {
		if len(data) != 0 {
			return nil, exception(ExceptionCodeIllegalDataValue)
		}
		result := make([]byte, 0, 3+len(reportSlaveIDName))
		result = append(result, byte(2+len(reportSlaveIDName)), slaveID(), runIndicatorOn)
		return append(result, reportSlaveIDName...), nil
	}
}

/*!
 * Constants which defines the format of a modbus frame. The example is
 * shown for a Modbus RTU frame. Note that the Modbus PDU is not
 * dependent on the underlying transport.
 *
 * <code>
 * <------------------------ MODBUS SERIAL LINE ADU (1) ------------------->
 *              <----------- MODBUS PDU (1') ---------------->
 *  +-----------+---------------+----------------------------+-------------+
 *  | Address   | Function Code | Data                       | CRC         |
 *  +-----------+---------------+----------------------------+-------------+
 *  |           |               |                                   |
 * (2)        (3/2')           (3')                                (4)
 *
 * (1)  ... SerADUMaxSize    = 256
 * (2)  ... SerAddressOffset = 0
 * (3)  ... SerPDUOffset     = 1
 * (4)  ... SerCrcSize       = 2
 *
 * (1') ... SerPDUMaxSize         = 253
 * (2') ... SerPDUFuncCodeOffset  = 0
 * (3') ... SerPDUDataOffset       = 1
 * </code>
 */

/*!
 * <------------------------ MODBUS TCP/IP ADU(1) ------------------------->
 *                              <----------- MODBUS PDU (1') -------------->
 *  +-----------+---------------+------------------------------------------+
 *  | TID | PID | Length | UID  | Function Code  | Data                    |
 *  +-----------+---------------+------------------------------------------+
 *  |     |     |        |      |
 * (2)   (3)   (4)      (5)    (6)
 *
 * (2)  ... TCPTidOffset    = 0 (Transaction Identifier - 2 Byte)
 * (3)  ... TCPPidOffset    = 2 (Protocol Identifier - 2 Byte)
 * (4)  ... TCPLengthOffset = 4 (Number of bytes - 2 Byte)( UID + PDU length )
 * (5)  ... TCPUidOffset    = 6 (Unit Identifier - 1 Byte)
 * (6)  ... TCPPDUOffset    = 7 (Modbus PDU )
 *
 * (1)  ... TCPADUMaxSize   = 260 Modbus TCP/IP Application Data Unit
 * (1') ... SerPDUMaxSize   = 253 Modbus Protocol Data Unit
 */

/*
Package modbus provides a modbus master and slave engine over TCP and RTU.

A Conn owns one Transport and issues typed requests against a remote slave,
or answers requests from a Mapping when used in the slave role.
*/
package modbus

import (
	"fmt"
)

// package version
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionMicro = 0
)

// VersionString is the package version as "major.minor.micro".
var VersionString = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionMicro)

// VersionCheck reports whether the package version is at least
// major.minor.micro.
func VersionCheck(major, minor, micro int) bool {
	switch {
	case VersionMajor != major:
		return VersionMajor > major
	case VersionMinor != minor:
		return VersionMinor > minor
	}
	return VersionMicro >= micro
}

// proto address limit.
const (
	AddressBroadCast = 0
	AddressMin       = 1
	AddressMax       = 247
	// AddressTCPDefault is the unit identifier used on TCP when none is set.
	AddressTCPDefault = 0xFF
)

const (
	pduMinSize = 1   // funcCode(1)
	pduMaxSize = 253 // funcCode(1) + data(252)

	rtuAduMinSize = 4   // address(1) + funcCode(1) + crc(2)
	rtuAduMaxSize = 256 // address(1) + PDU(253) + crc(2)

	tcpProtocolIdentifier = 0x0000
	// Modbus Application Protocol
	tcpHeaderMbapSize = 7 // MBAP header
	tcpAduMinSize     = 8 // MBAP + funcCode
	tcpAduMaxSize     = 260
)

// proto register limit
const (
	// Bits
	ReadBitsQuantityMin  = 1    // 0x0001
	ReadBitsQuantityMax  = 2000 // 0x07d0
	WriteBitsQuantityMin = 1    // 1
	WriteBitsQuantityMax = 1968 // 0x07b0
	// 16 Bits
	ReadRegQuantityMin             = 1   // 1
	ReadRegQuantityMax             = 125 // 0x007d
	WriteRegQuantityMin            = 1   // 1
	WriteRegQuantityMax            = 123 // 0x007b
	ReadWriteOnReadRegQuantityMin  = 1   // 1
	ReadWriteOnReadRegQuantityMax  = 125 // 0x007d
	ReadWriteOnWriteRegQuantityMin = 1   // 1
	ReadWriteOnWriteRegQuantityMax = 121 // 0x0079
)

// Function Code
const (
	// Bit access
	FuncCodeReadDiscreteInputs = 2
	FuncCodeReadCoils          = 1
	FuncCodeWriteSingleCoil    = 5
	FuncCodeWriteMultipleCoils = 15

	// 16-bit access
	FuncCodeReadInputRegisters         = 4
	FuncCodeReadHoldingRegisters       = 3
	FuncCodeWriteSingleRegister        = 6
	FuncCodeWriteMultipleRegisters     = 16
	FuncCodeReadWriteMultipleRegisters = 23
	FuncCodeMaskWriteRegister          = 22
	FuncCodeOtherReportSlaveID         = 17
)

// exceptionFlag is or-ed into the function code of an exception reply.
const exceptionFlag = 0x80

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FuncCode byte
	Data     []byte
}

// protocolFrame protocol frame in pool
type protocolFrame struct {
	adu []byte
}

// MessageType tells a transport which side of an exchange it is receiving.
type MessageType int

const (
	// Indication is a request arriving at a slave.
	Indication MessageType = iota
	// Confirmation is a reply arriving at a master.
	Confirmation
)

func (m MessageType) String() string {
	if m == Indication {
		return "indication"
	}
	return "confirmation"
}

package modbus

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

const (
	// SerialDefaultTimeout Serial Default timeout
	SerialDefaultTimeout = 1 * time.Second

	rtuExceptionSize = 5
	// rtuPollInterval is the read timeout the port is opened with; longer
	// waits are built from several polls.
	rtuPollInterval = 20 * time.Millisecond
)

// SerialMode selects how the line driver is used.
type SerialMode int

// serial modes
const (
	// SerialRS232 always-on full duplex line
	SerialRS232 SerialMode = 0
	// SerialRS485 half duplex, driver enabled around transmit
	SerialRS485 SerialMode = 1
)

// SerialModeFromCode converts a wire level code, 0 is RS232 and anything
// else RS485.
func SerialModeFromCode(code int) SerialMode {
	if code == 0 {
		return SerialRS232
	}
	return SerialRS485
}

// Code returns the wire level code of the mode.
func (m SerialMode) Code() int {
	if m == SerialRS232 {
		return 0
	}
	return 1
}

func (m SerialMode) String() string {
	if m == SerialRS232 {
		return "RS232"
	}
	return "RS485"
}

// RTUTransport implements Transport over a serial line with RTU framing.
type RTUTransport struct {
	timeouts
	clogs
	// Serial port configuration, fixed after construction.
	config serial.Config

	mu         sync.Mutex
	port       io.ReadWriteCloser
	serialMode SerialMode
	open       func(*serial.Config) (io.ReadWriteCloser, error)
}

// check RTUTransport implements Transport
var _ Transport = (*RTUTransport)(nil)

// NewRTUTransport allocates and initializes a RTUTransport.
// config.Timeout, when set, is taken as response timeout.
func NewRTUTransport(config serial.Config) *RTUTransport {
	t := &RTUTransport{
		config: config,
		clogs:  newClogWithPrefix("modbusRTU => "),
		open:   openSerial,
	}
	if config.RS485.Enabled {
		t.serialMode = SerialRS485
	}
	if config.Timeout > 0 {
		t.SetResponseTimeout(config.Timeout)
	} else {
		t.SetResponseTimeout(SerialDefaultTimeout)
	}
	t.SetByteTimeout(DefaultByteTimeout)
	return t
}

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

func (sf *RTUTransport) mode() string      { return "rtu" }
func (sf *RTUTransport) headerLength() int { return 1 }
func (sf *RTUTransport) aduMaxSize() int   { return rtuAduMaxSize }

// Config returns the serial configuration.
func (sf *RTUTransport) Config() serial.Config {
	return sf.config
}

// SerialMode returns the current serial mode.
func (sf *RTUTransport) SerialMode() SerialMode {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.serialMode
}

// SetSerialMode switches between RS232 and RS485. An open port is
// reopened so the driver picks up the change.
func (sf *RTUTransport) SetSerialMode(mode SerialMode) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.serialMode = SerialModeFromCode(mode.Code())
	if sf.port == nil {
		return nil
	}
	return sf.connect()
}

// Connect opens and configures the serial device.
func (sf *RTUTransport) Connect() error {
	sf.mu.Lock()
	err := sf.connect()
	sf.mu.Unlock()
	return err
}

// Caller must hold the mutex before calling this method.
func (sf *RTUTransport) connect() error {
	if sf.port != nil {
		sf.port.Close()
		sf.port = nil
	}
	cfg := sf.config
	cfg.Timeout = rtuPollInterval
	cfg.RS485.Enabled = sf.serialMode == SerialRS485
	if cfg.RS485.Enabled {
		if cfg.RS485.DelayRtsBeforeSend == 0 {
			cfg.RS485.DelayRtsBeforeSend = sf.calculateDelay(0)
		}
		if cfg.RS485.DelayRtsAfterSend == 0 {
			cfg.RS485.DelayRtsAfterSend = sf.calculateDelay(0)
		}
	}
	port, err := sf.open(&cfg)
	if err != nil {
		return &TransportError{"connect", err}
	}
	sf.port = port
	sf.Debug("opened %v %d %d%s%d %v", cfg.Address, cfg.BaudRate,
		cfg.DataBits, cfg.Parity, cfg.StopBits, sf.serialMode)
	return nil
}

// IsConnected returns a bool signifying whether the client is connected or not.
func (sf *RTUTransport) IsConnected() bool {
	sf.mu.Lock()
	b := sf.port != nil
	sf.mu.Unlock()
	return b
}

// Close close current connection.
func (sf *RTUTransport) Close() error {
	var err error
	sf.mu.Lock()
	if sf.port != nil {
		err = sf.port.Close()
		sf.port = nil
	}
	sf.mu.Unlock()
	return err
}

func (sf *RTUTransport) getPort() io.ReadWriteCloser {
	sf.mu.Lock()
	port := sf.port
	sf.mu.Unlock()
	return port
}

// Send writes adu to the line.
func (sf *RTUTransport) Send(adu []byte) (int, error) {
	port := sf.getPort()
	if port == nil {
		return 0, &TransportError{"send", ErrClosedConnection}
	}
	sf.Debug("sending [% x]", adu)
	n, err := port.Write(adu)
	if err != nil {
		return n, &TransportError{"send", err}
	}
	if n != len(adu) {
		return n, &TransportError{"send", io.ErrShortWrite}
	}
	return n, nil
}

// Receive reads one RTU frame. The frame length is worked out from the
// function code and, where present, the byte count. Unknown function codes
// are read until the line goes quiet.
func (sf *RTUTransport) Receive(msg MessageType, expectedLength int) ([]byte, error) {
	port := sf.getPort()
	if port == nil {
		return nil, &TransportError{"receive", ErrClosedConnection}
	}

	clock := sf.newFrameClock()
	var data [rtuAduMaxSize]byte
	// address + function code
	if err := readSerial(port, clock, data[:2]); err != nil {
		return nil, err
	}
	function := data[1]
	n := 2
	length := 0
	switch {
	case function&exceptionFlag != 0 && msg == Confirmation:
		length = rtuExceptionSize
	case expectedLength > 0:
		length = expectedLength
	default:
		meta := metaLengthAfterFunction(function, msg)
		if meta < 0 {
			end, err := readUntilSilence(port, clock, data[:], n, sf.silence())
			if err != nil {
				return nil, err
			}
			n, length = end, end
			break
		}
		if err := readSerial(port, clock, data[n:n+meta]); err != nil {
			return nil, err
		}
		n += meta
		length = n + dataLengthAfterMeta(data[:n], msg) + 2
	}
	if length < rtuAduMinSize || length > rtuAduMaxSize {
		_ = sf.Flush()
		return nil, invalidResponse("frame length '%v' must be between '%v' and '%v'",
			length, rtuAduMinSize, rtuAduMaxSize)
	}
	if n < length {
		if err := readSerial(port, clock, data[n:length]); err != nil {
			return nil, err
		}
	}
	adu := make([]byte, length)
	copy(adu, data[:length])
	sf.Debug("received [% x]", adu)
	return adu, nil
}

// readSerial fills p from a port opened with a poll timeout.
func readSerial(port io.Reader, clock *frameClock, p []byte) error {
	for n := 0; n < len(p); {
		deadline, expired := clock.deadline()
		m, err := port.Read(p[n:])
		n += m
		clock.progress(m)
		if err != nil && err != serial.ErrTimeout {
			return &TransportError{"receive", err}
		}
		if m == 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return &TransportError{"receive", expired}
		}
	}
	return nil
}

// readUntilSilence reads into buf from offset n until no byte arrives for
// the silence interval, and returns the frame length.
func readUntilSilence(port io.Reader, clock *frameClock, buf []byte, n int, silence time.Duration) (int, error) {
	last := time.Now()
	for n < len(buf) {
		m, err := port.Read(buf[n:])
		n += m
		clock.progress(m)
		if err != nil && err != serial.ErrTimeout {
			return n, &TransportError{"receive", err}
		}
		if m > 0 {
			last = time.Now()
			continue
		}
		if time.Since(last) >= silence {
			break
		}
		if deadline, expired := clock.deadline(); !deadline.IsZero() && time.Now().After(deadline) {
			return n, &TransportError{"receive", expired}
		}
	}
	return n, nil
}

// silence is the quiet gap that ends a frame of unknown length.
func (sf *RTUTransport) silence() time.Duration {
	if d := sf.calculateDelay(0); d > rtuPollInterval {
		return d
	}
	return rtuPollInterval
}

// Flush discards pending input.
func (sf *RTUTransport) Flush() error {
	port := sf.getPort()
	if port == nil {
		return &TransportError{"flush", ErrClosedConnection}
	}
	var b [rtuAduMaxSize]byte
	for {
		m, err := port.Read(b[:])
		if err == serial.ErrTimeout || (err == nil && m == 0) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// calculateDelay roughly calculates time needed for the next frame.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (sf *RTUTransport) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // us

	if sf.config.BaudRate <= 0 || sf.config.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / sf.config.BaudRate
		frameDelay = 35000000 / sf.config.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// metaLengthAfterFunction returns how many bytes follow the function code
// before the length of the rest is known, or -1 for unknown functions.
func metaLengthAfterFunction(function byte, msg MessageType) int {
	if msg == Indication {
		switch function {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
			FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
			FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
			return 4
		case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
			return 5
		case FuncCodeMaskWriteRegister:
			return 6
		case FuncCodeReadWriteMultipleRegisters:
			return 9
		case FuncCodeOtherReportSlaveID:
			return 0
		}
		return -1
	}
	switch function {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 4
	case FuncCodeMaskWriteRegister:
		return 6
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters, FuncCodeOtherReportSlaveID:
		return 1
	}
	return -1
}

// dataLengthAfterMeta returns the number of data bytes announced in the
// meta part of adu.
func dataLengthAfterMeta(adu []byte, msg MessageType) int {
	function := adu[1]
	if msg == Indication {
		switch function {
		case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
			return int(adu[6])
		case FuncCodeReadWriteMultipleRegisters:
			return int(adu[10])
		}
		return 0
	}
	switch function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters, FuncCodeOtherReportSlaveID:
		return int(adu[2])
	}
	return 0
}

// encodeRequest encode slaveID & PDU to a RTU frame,return adu frame
//  Slave Address   : 1 byte
//  ---- data Unit ----
//  Function        : 1 byte
//  Data            : 0 up to 252 bytes
//  ---- checksum ----
//  CRC             : 2 byte
func (sf *RTUTransport) encodeRequest(slaveID byte, pdu ProtocolDataUnit, buf []byte) ([]byte, error) {
	return encodeRTUFrame(buf, slaveID, pdu)
}

// encodeResponse addresses the reply to the slave id of request.
func (sf *RTUTransport) encodeResponse(request []byte, pdu ProtocolDataUnit) ([]byte, error) {
	if len(request) < 1 {
		return nil, invalidResponse("empty request")
	}
	return encodeRTUFrame(nil, request[0], pdu)
}

func encodeRTUFrame(buf []byte, slaveID byte, pdu ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuAduMaxSize {
		return nil, FromExceptionCode(ExceptionCodeIllegalDataValue)
	}
	adu := append(buf[:0], slaveID, pdu.FuncCode)
	adu = append(adu, pdu.Data...)
	checksum := crc16(adu)
	return append(adu, byte(checksum), byte(checksum>>8)), nil
}

// decode extracts slaveID and PDU from RTU frame and verify CRC.
func (sf *RTUTransport) decode(adu []byte) (byte, ProtocolDataUnit, error) {
	if len(adu) < rtuAduMinSize { // Minimum size (including address, funcCode and CRC)
		return 0, ProtocolDataUnit{}, invalidResponse("length '%v' does not meet minimum '%v'",
			len(adu), rtuAduMinSize)
	}
	// Calculate checksum
	crc, expect := crc16(adu[:len(adu)-2]), binary.LittleEndian.Uint16(adu[len(adu)-2:])
	if crc != expect {
		return 0, ProtocolDataUnit{}, invalidResponse("crc '%x' does not match expected '%x'", expect, crc)
	}
	// slaveID & PDU but pass crc
	return adu[0], ProtocolDataUnit{adu[1], adu[2 : len(adu)-2]}, nil
}

// verify confirms the reply comes from the addressed slave.
func (sf *RTUTransport) verify(request, response []byte) error {
	if len(request) < 1 || len(response) < 1 {
		return invalidResponse("empty frame")
	}
	if response[0] != request[0] {
		return invalidResponse("slave id '%v' does not match request '%v'", response[0], request[0])
	}
	return nil
}

// stale is always false, RTU frames carry no transaction id. Late replies
// are flushed before the next request instead.
func (sf *RTUTransport) stale(_, _ []byte) bool { return false }

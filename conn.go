package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// ErrorRecoveryMode selects what a Conn does after a failed exchange.
// The modes are flags and can be combined.
type ErrorRecoveryMode int

// error recovery modes
const (
	RecoveryNone     ErrorRecoveryMode = 0
	RecoveryLink     ErrorRecoveryMode = 1 << 1
	RecoveryProtocol ErrorRecoveryMode = 1 << 2
)

// recovery attempt limits
const (
	DefaultRecoveryAttempts = 3
	MaxRecoveryAttempts     = 6
)

// Conn is a modbus context: one transport plus the slave address,
// recovery policy and debug flag that apply to it.
// A Conn serves a single exchange at a time.
type Conn struct {
	mu               sync.Mutex
	transport        Transport
	slaveID          byte
	recovery         ErrorRecoveryMode
	recoveryAttempts int
	debug            bool
	timedOut         bool // input may hold a late reply
	pool             *pool
	*serverHandler
}

// NewConn creates a Conn on top of transport t.
// The default slave is AddressTCPDefault on tcp and AddressMin on rtu.
func NewConn(t Transport, opts ...Option) *Conn {
	c := &Conn{
		transport:        t,
		slaveID:          AddressMin,
		recoveryAttempts: DefaultRecoveryAttempts,
		pool:             aduPool,
		serverHandler:    newServerHandler(),
	}
	if t.mode() == "tcp" {
		c.slaveID = AddressTCPDefault
	}
	c.RegisterFunctionHandler(FuncCodeOtherReportSlaveID, funcReportSlaveID(c.Slave))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTCP creates a Conn over modbus TCP for "host:port". A bare host
// dials TCPDefaultPort.
func NewTCP(address string, opts ...Option) *Conn {
	return NewConn(NewTCPTransport(address), opts...)
}

// NewRTU creates a Conn over modbus RTU on a serial line.
func NewRTU(config serial.Config, opts ...Option) *Conn {
	return NewConn(NewRTUTransport(config), opts...)
}

// Transport returns the underlying transport.
func (sf *Conn) Transport() Transport { return sf.transport }

// Connect establishes the link.
func (sf *Conn) Connect() error { return sf.transport.Connect() }

// IsConnected reports whether the link is open.
func (sf *Conn) IsConnected() bool { return sf.transport.IsConnected() }

// Close releases the link. It is safe to call more than once.
func (sf *Conn) Close() error { return sf.transport.Close() }

// Flush discards any input pending on the link.
func (sf *Conn) Flush() error { return sf.transport.Flush() }

// SetSlave sets the slave address requests are sent to, or the address
// this end answers to in the slave role. 0 is the broadcast address.
// On tcp AddressTCPDefault is accepted too.
func (sf *Conn) SetSlave(id byte) error {
	if id > AddressMax && !(id == AddressTCPDefault && sf.transport.mode() == "tcp") {
		return illegalValue("slaveID '%v' must be between '%v' and '%v'",
			id, AddressBroadCast, AddressMax)
	}
	sf.mu.Lock()
	sf.slaveID = id
	sf.mu.Unlock()
	return nil
}

// Slave returns the current slave address.
func (sf *Conn) Slave() byte {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.slaveID
}

// SetResponseTimeout bounds the wait for the first byte of a reply.
// 0 waits forever.
func (sf *Conn) SetResponseTimeout(t time.Duration) { sf.transport.SetResponseTimeout(t) }

// ResponseTimeout returns the response timeout.
func (sf *Conn) ResponseTimeout() time.Duration { return sf.transport.ResponseTimeout() }

// SetResponseTimeoutSplit sets the response timeout from seconds and microseconds.
func (sf *Conn) SetResponseTimeoutSplit(sec, usec uint32) error {
	if usec > 999999 {
		return illegalValue("usec '%v' must be below one second", usec)
	}
	sf.transport.SetResponseTimeout(joinDuration(sec, usec))
	return nil
}

// ResponseTimeoutSplit returns the response timeout as seconds and microseconds.
func (sf *Conn) ResponseTimeoutSplit() (sec, usec uint32) {
	return splitDuration(sf.transport.ResponseTimeout())
}

// SetByteTimeout bounds the gap between two bytes of one frame.
// 0 lets the response timeout govern the whole frame.
func (sf *Conn) SetByteTimeout(t time.Duration) { sf.transport.SetByteTimeout(t) }

// ByteTimeout returns the inter byte timeout.
func (sf *Conn) ByteTimeout() time.Duration { return sf.transport.ByteTimeout() }

// SetByteTimeoutSplit sets the byte timeout from seconds and microseconds.
func (sf *Conn) SetByteTimeoutSplit(sec, usec uint32) error {
	if usec > 999999 {
		return illegalValue("usec '%v' must be below one second", usec)
	}
	sf.transport.SetByteTimeout(joinDuration(sec, usec))
	return nil
}

// ByteTimeoutSplit returns the byte timeout as seconds and microseconds.
func (sf *Conn) ByteTimeoutSplit() (sec, usec uint32) {
	return splitDuration(sf.transport.ByteTimeout())
}

// SetErrorRecovery sets the recovery mode applied to failed exchanges.
func (sf *Conn) SetErrorRecovery(mode ErrorRecoveryMode) error {
	if mode&^(RecoveryLink|RecoveryProtocol) != 0 {
		return illegalValue("recovery mode '%v' is unknown", int(mode))
	}
	sf.mu.Lock()
	sf.recovery = mode
	sf.mu.Unlock()
	return nil
}

// ErrorRecovery returns the recovery mode.
func (sf *Conn) ErrorRecovery() ErrorRecoveryMode {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.recovery
}

// SetRecoveryAttempts bounds how often a failed exchange is replayed.
// Values above MaxRecoveryAttempts are capped.
func (sf *Conn) SetRecoveryAttempts(n int) {
	if n < 0 {
		n = 0
	}
	if n > MaxRecoveryAttempts {
		n = MaxRecoveryAttempts
	}
	sf.mu.Lock()
	sf.recoveryAttempts = n
	sf.mu.Unlock()
}

// RecoveryAttempts returns the replay bound.
func (sf *Conn) RecoveryAttempts() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.recoveryAttempts
}

// SetDebug turns frame tracing on or off.
func (sf *Conn) SetDebug(enable bool) {
	sf.mu.Lock()
	sf.debug = enable
	sf.mu.Unlock()
	sf.transport.LogMode(enable)
}

// Debug reports whether frame tracing is on.
func (sf *Conn) Debug() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.debug
}

// Listen opens a listening socket, tcp only.
func (sf *Conn) Listen(backlog int) error {
	t, ok := sf.transport.(*TCPTransport)
	if !ok {
		return ErrUnimplemented
	}
	return t.Listen(backlog)
}

// Accept waits for a peer on a listening Conn, tcp only.
// The returned Conn shares settings and function handlers with sf.
func (sf *Conn) Accept() (*Conn, error) {
	t, ok := sf.transport.(*TCPTransport)
	if !ok {
		return nil, ErrUnimplemented
	}
	peer, err := t.Accept()
	if err != nil {
		return nil, err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return &Conn{
		transport:        peer,
		slaveID:          sf.slaveID,
		recovery:         sf.recovery,
		recoveryAttempts: sf.recoveryAttempts,
		debug:            sf.debug,
		pool:             sf.pool,
		serverHandler:    sf.serverHandler,
	}, nil
}

// SetSerialMode switches the line between RS232 and RS485, rtu only.
func (sf *Conn) SetSerialMode(mode SerialMode) error {
	t, ok := sf.transport.(*RTUTransport)
	if !ok {
		return ErrUnimplemented
	}
	return t.SetSerialMode(mode)
}

// SerialMode returns the line mode, rtu only.
func (sf *Conn) SerialMode() (SerialMode, error) {
	t, ok := sf.transport.(*RTUTransport)
	if !ok {
		return SerialRS232, ErrUnimplemented
	}
	return t.SerialMode(), nil
}

// send encodes request for the current slave, performs the exchange and
// replays it as the recovery mode allows.
func (sf *Conn) send(request ProtocolDataUnit) (ProtocolDataUnit, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	frame := sf.pool.get()
	defer sf.pool.put(frame)

	for attempt := 0; ; attempt++ {
		aduRequest, err := sf.transport.encodeRequest(sf.slaveID, request, frame.adu)
		if err != nil {
			return ProtocolDataUnit{}, err
		}
		frame.adu = aduRequest[:0]
		response, err := sf.exchange(aduRequest, request)
		if err == nil || !sf.recover(err, attempt) {
			return response, err
		}
	}
}

// exchange sends one request adu and waits for the matching reply.
// After a timeout the input is flushed before the next request, and late
// replies that still turn up are skipped.
func (sf *Conn) exchange(aduRequest []byte, request ProtocolDataUnit) (ProtocolDataUnit, error) {
	if sf.timedOut {
		sf.transport.Flush() // nolint: errcheck
		sf.timedOut = false
	}
	if _, err := sf.transport.Send(aduRequest); err != nil {
		return ProtocolDataUnit{}, err
	}
	if sf.slaveID == AddressBroadCast && sf.transport.mode() == "rtu" {
		return ProtocolDataUnit{}, ErrBroadcast
	}
	var deadline time.Time
	if t := sf.transport.ResponseTimeout(); t > 0 {
		deadline = time.Now().Add(t)
	}
	var aduResponse []byte
	for {
		var err error
		if aduResponse, err = sf.transport.Receive(Confirmation, 0); err != nil {
			sf.timedOut = IsTimeout(err)
			return ProtocolDataUnit{}, err
		}
		if !sf.transport.stale(aduRequest, aduResponse) {
			break
		}
		sf.transport.Debug("late reply [% x] dropped", aduResponse)
		if !deadline.IsZero() && time.Now().After(deadline) {
			sf.timedOut = true
			return ProtocolDataUnit{}, &TransportError{"receive", ErrResponseTimeout}
		}
	}
	_, response, err := sf.transport.decode(aduResponse)
	if err != nil {
		return ProtocolDataUnit{}, err
	}
	if err = sf.transport.verify(aduRequest, aduResponse); err != nil {
		return ProtocolDataUnit{}, err
	}

	switch {
	case response.FuncCode == request.FuncCode|exceptionFlag:
		return response, responseError(response)
	case response.FuncCode != request.FuncCode:
		return response, invalidResponse("function code '%v' does not match request '%v'",
			response.FuncCode, request.FuncCode)
	case len(response.Data) == 0:
		return response, invalidResponse("response data is empty")
	}
	return response, nil
}

// recover applies the recovery mode after a failed attempt and reports
// whether the exchange should be replayed. Exceptions are never replayed.
func (sf *Conn) recover(err error, attempt int) bool {
	if attempt >= sf.recoveryAttempts {
		return false
	}
	var te *TransportError
	switch {
	case sf.recovery&RecoveryLink != 0 && errors.As(err, &te):
		sf.transport.Error("link error: %v, recovering (%d/%d)", err, attempt+1, sf.recoveryAttempts)
		time.Sleep(sf.transport.ResponseTimeout())
		if te.Timeout() {
			sf.transport.Flush() // nolint: errcheck
			return true
		}
		sf.transport.Close() // nolint: errcheck
		if err := sf.transport.Connect(); err != nil {
			sf.transport.Error("reconnect: %v", err)
		}
		return true
	case sf.recovery&RecoveryProtocol != 0 && errors.Is(err, ErrInvalidResponse):
		sf.transport.Error("protocol error: %v, recovering (%d/%d)", err, attempt+1, sf.recoveryAttempts)
		time.Sleep(sf.transport.ResponseTimeout())
		sf.transport.Flush() // nolint: errcheck
		return true
	}
	return false
}

// Receive waits for an indication. On rtu frames addressed to another
// slave are skipped.
func (sf *Conn) Receive() ([]byte, error) {
	for {
		adu, err := sf.transport.Receive(Indication, 0)
		if err != nil {
			return nil, err
		}
		if sf.transport.mode() != "rtu" {
			return adu, nil
		}
		slaveID, _, err := sf.transport.decode(adu)
		if err != nil {
			return nil, err
		}
		if id := sf.Slave(); slaveID != id && slaveID != AddressBroadCast {
			sf.transport.Debug("request for slave %d ignored", slaveID)
			continue
		}
		return adu, nil
	}
}

// Reply answers request from m. A request the handlers reject is answered
// with an exception reply and Reply returns nil once it is sent.
// Broadcast requests on rtu are performed without a reply.
func (sf *Conn) Reply(request []byte, m *Mapping) error {
	slaveID, pdu, err := sf.transport.decode(request)
	if err != nil {
		return err
	}

	var rspData []byte
	if handle, ok := sf.function[pdu.FuncCode]; ok {
		rspData, err = handle(m, pdu.Data)
	} else {
		err = exception(ExceptionCodeIllegalFunction)
	}
	if slaveID == AddressBroadCast && sf.transport.mode() == "rtu" {
		return nil
	}

	response := ProtocolDataUnit{pdu.FuncCode, rspData}
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = exception(ExceptionCodeServerDeviceFailure)
		}
		sf.transport.Debug("function %d: %v", pdu.FuncCode, err)
		response = ProtocolDataUnit{pdu.FuncCode | exceptionFlag, []byte{e.ExceptionCode()}}
	}
	return sf.sendResponse(request, response)
}

// ReplyException answers request with exception code.
func (sf *Conn) ReplyException(request []byte, code byte) error {
	slaveID, pdu, err := sf.transport.decode(request)
	if err != nil {
		return err
	}
	if code < ExceptionCodeIllegalFunction || code > ExceptionCodeGatewayTargetDeviceFailedToRespond {
		return illegalValue("exception code '%v' is not defined", code)
	}
	if slaveID == AddressBroadCast && sf.transport.mode() == "rtu" {
		return nil
	}
	return sf.sendResponse(request, ProtocolDataUnit{pdu.FuncCode | exceptionFlag, []byte{code}})
}

func (sf *Conn) sendResponse(request []byte, response ProtocolDataUnit) error {
	adu, err := sf.transport.encodeResponse(request, response)
	if err != nil {
		return err
	}
	_, err = sf.transport.Send(adu)
	return err
}

// SendRawRequest frames raw, which starts with the slave address and
// function code, for the transport and sends it. No reply is awaited.
func (sf *Conn) SendRawRequest(raw []byte) (int, error) {
	if len(raw) < 2 || len(raw) > pduMaxSize+1 {
		return 0, illegalValue("raw request length '%v' must be between '%v' and '%v'",
			len(raw), 2, pduMaxSize+1)
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	frame := sf.pool.get()
	defer sf.pool.put(frame)
	adu, err := sf.transport.encodeRequest(raw[0], ProtocolDataUnit{raw[1], raw[2:]}, frame.adu)
	if err != nil {
		return 0, err
	}
	frame.adu = adu[:0]
	return sf.transport.Send(adu)
}

// HeaderLength returns the length of the adu prefix ahead of the
// function code: the MBAP header on tcp, the slave address on rtu.
func (sf *Conn) HeaderLength() int { return sf.transport.headerLength() }

// MaxADULength returns the largest frame the transport carries.
func (sf *Conn) MaxADULength() int { return sf.transport.aduMaxSize() }

// ReceiveConfirmation reads one reply adu without checking it against a
// request. expectedLength > 0 fixes the frame length on rtu.
func (sf *Conn) ReceiveConfirmation(expectedLength int) ([]byte, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	adu, err := sf.transport.Receive(Confirmation, expectedLength)
	if err != nil {
		return nil, err
	}
	return adu, nil
}

func (sf *Conn) String() string {
	return fmt.Sprintf("modbus %s conn, slave %d", sf.transport.mode(), sf.Slave())
}

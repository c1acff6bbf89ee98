package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// TCPDefaultPort is the registered modbus TCP port.
	TCPDefaultPort = 502
	// TCPDefaultTimeout TCP Default response timeout
	TCPDefaultTimeout = 1 * time.Second
	// DefaultByteTimeout default inter byte timeout
	DefaultByteTimeout = 500 * time.Millisecond
)

// TCPTransport implements Transport over a tcp socket with MBAP framing.
// It can also listen and accept peers for the slave role.
type TCPTransport struct {
	timeouts
	clogs
	// Address host:port to dial or listen on
	Address string

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	backlog  int
	// For synchronization between messages of server & client
	transactionID uint32
}

// check TCPTransport implements Transport
var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport allocates a new TCPTransport.
// An address without port gets TCPDefaultPort.
func NewTCPTransport(address string) *TCPTransport {
	t := &TCPTransport{
		Address: withDefaultPort(address),
		clogs:   newClogWithPrefix("modbusTCP => "),
	}
	t.SetResponseTimeout(TCPDefaultTimeout)
	t.SetByteTimeout(DefaultByteTimeout)
	return t
}

func withDefaultPort(address string) string {
	if address == "" {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(TCPDefaultPort))
	}
	return address
}

func (sf *TCPTransport) mode() string      { return "tcp" }
func (sf *TCPTransport) headerLength() int { return tcpHeaderMbapSize }
func (sf *TCPTransport) aduMaxSize() int   { return tcpAduMaxSize }

// Connect establishes a new connection to the address in Address.
// The response timeout doubles as connect timeout.
func (sf *TCPTransport) Connect() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.conn != nil {
		sf.conn.Close()
		sf.conn = nil
	}
	dialer := &net.Dialer{Timeout: sf.ResponseTimeout()}
	conn, err := dialer.Dial("tcp", sf.Address)
	if err != nil {
		return &TransportError{"connect", err}
	}
	sf.conn = conn
	sf.Debug("connected to %v", conn.RemoteAddr())
	return nil
}

// IsConnected returns a bool signifying whether
// the client is connected or not.
func (sf *TCPTransport) IsConnected() bool {
	sf.mu.Lock()
	b := sf.conn != nil
	sf.mu.Unlock()
	return b
}

// Close closes current connection and the listener if any.
func (sf *TCPTransport) Close() error {
	var err error
	sf.mu.Lock()
	if sf.conn != nil {
		err = sf.conn.Close()
		sf.conn = nil
	}
	if sf.listener != nil {
		if e := sf.listener.Close(); err == nil {
			err = e
		}
		sf.listener = nil
	}
	sf.mu.Unlock()
	return err
}

// Listen opens a listening socket on Address. The backlog is recorded
// only, the Go runtime sizes the accept queue itself.
func (sf *TCPTransport) Listen(backlog int) error {
	listener, err := net.Listen("tcp", sf.Address)
	if err != nil {
		return &TransportError{"listen", err}
	}
	sf.mu.Lock()
	if sf.listener != nil {
		sf.listener.Close()
	}
	sf.listener = listener
	sf.backlog = backlog
	sf.mu.Unlock()
	sf.Debug("listening on %v, backlog %d", listener.Addr(), backlog)
	return nil
}

// Accept waits for a peer and returns a transport that owns its socket.
// The new transport inherits timeouts and logger.
func (sf *TCPTransport) Accept() (*TCPTransport, error) {
	sf.mu.Lock()
	listener := sf.listener
	sf.mu.Unlock()
	if listener == nil {
		return nil, &TransportError{"accept", ErrClosedConnection}
	}
	conn, err := listener.Accept()
	if err != nil {
		return nil, &TransportError{"accept", err}
	}
	peer := &TCPTransport{
		Address: conn.RemoteAddr().String(),
		clogs:   clogs{logger: sf.logger, hasLog: atomic.LoadUint32(&sf.hasLog)},
		conn:    conn,
	}
	peer.SetResponseTimeout(sf.ResponseTimeout())
	peer.SetByteTimeout(sf.ByteTimeout())
	sf.Debug("client(%v) -> server(%v) connected", conn.RemoteAddr(), conn.LocalAddr())
	return peer, nil
}

// Addr returns the listening address, or the local address of the
// connection, or nil.
func (sf *TCPTransport) Addr() net.Addr {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	switch {
	case sf.listener != nil:
		return sf.listener.Addr()
	case sf.conn != nil:
		return sf.conn.LocalAddr()
	}
	return nil
}

func (sf *TCPTransport) getConn() net.Conn {
	sf.mu.Lock()
	conn := sf.conn
	sf.mu.Unlock()
	return conn
}

// Send writes adu to the socket.
func (sf *TCPTransport) Send(adu []byte) (int, error) {
	conn := sf.getConn()
	if conn == nil {
		return 0, &TransportError{"send", ErrClosedConnection}
	}
	var deadline time.Time
	if t := sf.ResponseTimeout(); t > 0 {
		deadline = time.Now().Add(t)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, &TransportError{"send", err}
	}
	sf.Debug("sending [% x]", adu)
	n, err := conn.Write(adu)
	if err != nil {
		return n, &TransportError{"send", err}
	}
	if n != len(adu) {
		return n, &TransportError{"send", io.ErrShortWrite}
	}
	return n, nil
}

// Receive reads one MBAP framed adu. The length comes from the header,
// so expectedLength and msg are not needed here.
func (sf *TCPTransport) Receive(_ MessageType, _ int) ([]byte, error) {
	conn := sf.getConn()
	if conn == nil {
		return nil, &TransportError{"receive", ErrClosedConnection}
	}

	clock := sf.newFrameClock()
	// Read header first
	var data [tcpAduMaxSize]byte
	if err := readFull(conn, clock, data[:tcpHeaderMbapSize]); err != nil {
		return nil, err
	}
	// Read length, ignore transaction & protocol id (4 bytes)
	length := int(binary.BigEndian.Uint16(data[4:]))
	switch {
	case length <= 0:
		_ = sf.Flush()
		return nil, invalidResponse("length in header '%v' must not be zero", length)
	case length > (tcpAduMaxSize - (tcpHeaderMbapSize - 1)):
		_ = sf.Flush()
		return nil, invalidResponse("length in header '%v' must not greater than '%v'",
			length, tcpAduMaxSize-tcpHeaderMbapSize+1)
	}
	// Skip unit id
	length += tcpHeaderMbapSize - 1
	if err := readFull(conn, clock, data[tcpHeaderMbapSize:length]); err != nil {
		return nil, err
	}
	adu := make([]byte, length)
	copy(adu, data[:length])
	sf.Debug("received [% x]", adu)
	return adu, nil
}

// readFull fills p, moving the read deadline along with the frame clock.
func readFull(conn net.Conn, clock *frameClock, p []byte) error {
	for n := 0; n < len(p); {
		deadline, expired := clock.deadline()
		if err := conn.SetReadDeadline(deadline); err != nil {
			return &TransportError{"receive", err}
		}
		m, err := conn.Read(p[n:])
		n += m
		clock.progress(m)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return &TransportError{"receive", expired}
			}
			return &TransportError{"receive", err}
		}
	}
	return nil
}

// Flush flushes pending data in the connection,
// returns io.EOF if connection is closed.
func (sf *TCPTransport) Flush() (err error) {
	conn := sf.getConn()
	if conn == nil {
		return &TransportError{"flush", ErrClosedConnection}
	}
	var b [tcpAduMaxSize]byte
	for {
		if err = conn.SetReadDeadline(time.Now()); err != nil {
			return
		}
		// Timeout setting will be reset when reading
		if _, err = conn.Read(b[:]); err != nil {
			// Ignore timeout error
			if netError, ok := err.(net.Error); ok && netError.Timeout() {
				err = nil
			}
			return
		}
	}
}

// encodeRequest encode modbus application protocol header & pdu to TCP frame,return adu
//  ---- MBAP header ----
//  Transaction identifier: 2 bytes
//  Protocol identifier: 2 bytes
//  Length: 2 bytes
//  Unit identifier: 1 byte
//  ---- data Unit ----
//  Function code: 1 byte
//  Data: n bytes
func (sf *TCPTransport) encodeRequest(slaveID byte, pdu ProtocolDataUnit, buf []byte) ([]byte, error) {
	tid := uint16(atomic.AddUint32(&sf.transactionID, 1))
	return encodeTCPFrame(buf, tid, slaveID, pdu)
}

// encodeResponse echoes transaction and unit id of request.
func (sf *TCPTransport) encodeResponse(request []byte, pdu ProtocolDataUnit) ([]byte, error) {
	if len(request) < tcpHeaderMbapSize {
		return nil, invalidResponse("request length '%v' does not meet header size '%v'",
			len(request), tcpHeaderMbapSize)
	}
	return encodeTCPFrame(nil, binary.BigEndian.Uint16(request), request[6], pdu)
}

func encodeTCPFrame(buf []byte, tid uint16, slaveID byte, pdu ProtocolDataUnit) ([]byte, error) {
	length := tcpHeaderMbapSize + 1 + len(pdu.Data)
	if length > tcpAduMaxSize {
		return nil, FromExceptionCode(ExceptionCodeIllegalDataValue)
	}
	var header [tcpHeaderMbapSize]byte
	binary.BigEndian.PutUint16(header[:], tid)                      // MBAP Transaction identifier
	binary.BigEndian.PutUint16(header[2:], tcpProtocolIdentifier)   // MBAP Protocol identifier
	binary.BigEndian.PutUint16(header[4:], uint16(2+len(pdu.Data))) // MBAP Length = UnitId + FuncCode + Data
	header[6] = slaveID                                             // MBAP Unit identifier
	adu := append(buf[:0], header[:]...)
	adu = append(adu, pdu.FuncCode)
	return append(adu, pdu.Data...), nil
}

// decode extracts unit id & PDU from TCP frame:
//  ---- MBAP header ----
//  Transaction identifier: 2 bytes
//  Protocol identifier: 2 bytes
//  Length: 2 bytes
//  Unit identifier: 1 byte
//  ---- data Unit ----
//  Function        : 1 byte
//  Data            : 0 up to 252 bytes
func (sf *TCPTransport) decode(adu []byte) (byte, ProtocolDataUnit, error) {
	if len(adu) < tcpAduMinSize { // Minimum size (including MBAP, funcCode)
		return 0, ProtocolDataUnit{}, invalidResponse("length '%v' does not meet minimum '%v'",
			len(adu), tcpAduMinSize)
	}
	if pid := binary.BigEndian.Uint16(adu[2:]); pid != tcpProtocolIdentifier {
		return 0, ProtocolDataUnit{}, invalidResponse("protocol id '%v' is not modbus", pid)
	}
	length := int(binary.BigEndian.Uint16(adu[4:]))
	if pduLength := len(adu) - tcpHeaderMbapSize; pduLength != length-1 {
		return 0, ProtocolDataUnit{}, invalidResponse("length in header '%v' does not match pdu data length '%v'",
			length-1, pduLength)
	}
	// The first byte after header is function code
	return adu[6], ProtocolDataUnit{adu[tcpHeaderMbapSize], adu[tcpHeaderMbapSize+1:]}, nil
}

// verify confirms response header matches request header.
func (sf *TCPTransport) verify(request, response []byte) error {
	if len(request) < tcpHeaderMbapSize || len(response) < tcpHeaderMbapSize {
		return invalidResponse("frame shorter than mbap header")
	}
	switch {
	case binary.BigEndian.Uint16(response) != binary.BigEndian.Uint16(request):
		// Check transaction ID
		return invalidResponse("transaction id '%v' does not match request '%v'",
			binary.BigEndian.Uint16(response), binary.BigEndian.Uint16(request))
	case binary.BigEndian.Uint16(response[2:]) != binary.BigEndian.Uint16(request[2:]):
		// Check protocol ID
		return invalidResponse("protocol id '%v' does not match request '%v'",
			binary.BigEndian.Uint16(response[2:]), binary.BigEndian.Uint16(request[2:]))
	case response[6] != request[6]:
		// Check slaveID same
		return invalidResponse("unit id '%v' does not match request '%v'", response[6], request[6])
	}
	return nil
}

// stale reports whether the transaction id of response is older than the
// one of request, a late reply to an exchange that already timed out.
func (sf *TCPTransport) stale(request, response []byte) bool {
	if len(request) < 2 || len(response) < 2 {
		return false
	}
	return int16(binary.BigEndian.Uint16(request)-binary.BigEndian.Uint16(response)) > 0
}

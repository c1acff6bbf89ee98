package modbus

import (
	"errors"
	"fmt"
	"net"
)

// StatusBase is the offset added to a wire exception code to form a status
// code, so protocol statuses never collide with system errno values.
const StatusBase = 112345678

// Exception Code
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeServerDeviceBusy                   = 6
	ExceptionCodeNegativeAcknowledge                = 7
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeNotDefined                         = 9
	ExceptionCodeGatewayPathUnavailable             = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// ErrorKind classifies an Error. The set is closed.
type ErrorKind int

// Error kinds.
const (
	KindIllegalFunction ErrorKind = iota + 1
	KindIllegalDataAddress
	KindIllegalDataValue
	KindSlaveOrServerFailure
	KindAcknowledge
	KindSlaveOrServerBusy
	KindNegativeAcknowledge
	KindMemoryParity
	KindNotDefined
	KindGatewayPath
	KindGatewayTarget
	// KindUnknown is a status outside the known exception range.
	KindUnknown
	// KindUnimplemented is raised locally for operations a transport lacks.
	KindUnimplemented
)

var kindDescriptions = map[ErrorKind]string{
	KindIllegalFunction:      "illegal function",
	KindIllegalDataAddress:   "illegal data address",
	KindIllegalDataValue:     "illegal data value",
	KindSlaveOrServerFailure: "slave device or server failure",
	KindAcknowledge:          "acknowledge",
	KindSlaveOrServerBusy:    "slave device or server is busy",
	KindNegativeAcknowledge:  "negative acknowledge",
	KindMemoryParity:         "memory parity error",
	KindNotDefined:           "not defined",
	KindGatewayPath:          "gateway path unavailable",
	KindGatewayTarget:        "target device failed to respond",
	KindUnimplemented:        "operation not implemented by transport",
}

// Error is a protocol exception or a local unimplemented fault.
// It is immutable once constructed.
type Error struct {
	kind ErrorKind
	code int
}

// ErrUnimplemented is returned for operations the transport does not support.
var ErrUnimplemented = &Error{kind: KindUnimplemented}

// FromStatusCode maps a status code to its error kind.
// Codes outside StatusBase+1 .. StatusBase+11 become KindUnknown.
func FromStatusCode(code int) *Error {
	if n := code - StatusBase; n >= ExceptionCodeIllegalFunction &&
		n <= ExceptionCodeGatewayTargetDeviceFailedToRespond {
		return &Error{ErrorKind(n), code}
	}
	return &Error{KindUnknown, code}
}

// FromExceptionCode maps the one byte exception code of a reply.
func FromExceptionCode(code byte) *Error {
	return FromStatusCode(StatusBase + int(code))
}

// exception builds the error a slave handler returns for code.
func exception(code byte) *Error {
	return FromExceptionCode(code)
}

// Kind returns the error kind.
func (e *Error) Kind() ErrorKind { return e.kind }

// StatusCode returns the raw status code the error was built from.
func (e *Error) StatusCode() int { return e.code }

// ExceptionCode returns the wire exception code. Kinds without one
// report a server device failure.
func (e *Error) ExceptionCode() byte {
	if e.kind >= KindIllegalFunction && e.kind <= KindGatewayTarget {
		return byte(e.kind)
	}
	return ExceptionCodeServerDeviceFailure
}

// Description returns a stable human readable text for the kind.
func (e *Error) Description() string {
	if e.kind == KindUnknown {
		return fmt.Sprintf("unknown status %d", e.code)
	}
	return kindDescriptions[e.kind]
}

// Error implements error.
func (e *Error) Error() string {
	if e.kind == KindUnknown || e.kind == KindUnimplemented {
		return "modbus: " + e.Description()
	}
	return fmt.Sprintf("modbus: exception '%v' (%s)", e.ExceptionCode(), e.Description())
}

// Is reports kind equality, so errors.Is(err, ErrUnimplemented) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind && (t.kind != KindUnknown || t.code == e.code)
}

// IsException reports whether err carries a protocol exception of kind k.
func IsException(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.kind == k
}

// transport level errors
var (
	// ErrClosedConnection 连接已关闭
	ErrClosedConnection = errors.New("modbus: use of closed connection")
	// ErrResponseTimeout no byte arrived within the response timeout.
	ErrResponseTimeout = errors.New("modbus: response timeout")
	// ErrByteTimeout a frame stalled between two bytes.
	ErrByteTimeout = errors.New("modbus: byte timeout")
	// ErrInvalidResponse is wrapped by every malformed reply error.
	ErrInvalidResponse = errors.New("modbus: invalid response")
)

// TransportError reports a link fault: refused, reset or timed out.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "modbus: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the fault is a timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, ErrResponseTimeout) || errors.Is(e.Err, ErrByteTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout()
}

// ErrBroadcast is returned when a request addressed to every slave
// would need a reply.
var ErrBroadcast = errors.New("modbus: broadcast request gets no response")

// illegalValue reports a locally rejected argument as an illegal data value.
func illegalValue(format string, v ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{exception(ExceptionCodeIllegalDataValue)}, v...)...)
}

func invalidResponse(format string, v ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidResponse}, v...)...)
}

// responseError converts an exception pdu to its error.
func responseError(response ProtocolDataUnit) error {
	if len(response.Data) == 0 {
		return invalidResponse("exception reply for function '%v' has no code", response.FuncCode&^exceptionFlag)
	}
	return FromExceptionCode(response.Data[0])
}

package modbus

import (
	"sync/atomic"
	"time"
)

// Transport is the link a Conn talks through. Only TCPTransport and
// RTUTransport implement it.
type Transport interface {
	// Connect establishes the link.
	Connect() error
	// IsConnected reports whether the link is open.
	IsConnected() bool
	// Close releases the link, safe to call more than once.
	Close() error
	// Send writes a complete adu. A short write is an error.
	Send(adu []byte) (int, error)
	// Receive reads one complete adu. expectedLength > 0 overrides the
	// length computed from the function code where the framing needs one.
	Receive(msg MessageType, expectedLength int) ([]byte, error)
	// Flush discards pending input.
	Flush() error
	// SetResponseTimeout bounds the wait for the first byte, 0 waits forever.
	SetResponseTimeout(t time.Duration)
	ResponseTimeout() time.Duration
	// SetByteTimeout bounds the gap between bytes of a frame, 0 disables it.
	SetByteTimeout(t time.Duration)
	ByteTimeout() time.Duration

	LogProvider
	// LogMode set enable or disable log output when you has set logger
	LogMode(enable bool)
	setLogProvider(p LogProvider)

	// framing
	mode() string
	headerLength() int
	aduMaxSize() int
	encodeRequest(slaveID byte, pdu ProtocolDataUnit, buf []byte) ([]byte, error)
	encodeResponse(request []byte, pdu ProtocolDataUnit) ([]byte, error)
	decode(adu []byte) (slaveID byte, pdu ProtocolDataUnit, err error)
	verify(request, response []byte) error
	// stale reports whether response answers an earlier request than request.
	stale(request, response []byte) bool
}

// timeouts holds response and byte timeouts shared by both transports.
type timeouts struct {
	response int64 // time.Duration
	inter    int64 // time.Duration
}

// SetResponseTimeout set response timeout, 0 waits forever
func (sf *timeouts) SetResponseTimeout(t time.Duration) {
	if t < 0 {
		t = 0
	}
	atomic.StoreInt64(&sf.response, int64(t))
}

// ResponseTimeout returns the response timeout
func (sf *timeouts) ResponseTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&sf.response))
}

// SetByteTimeout set inter byte timeout, 0 disables it
func (sf *timeouts) SetByteTimeout(t time.Duration) {
	if t < 0 {
		t = 0
	}
	atomic.StoreInt64(&sf.inter, int64(t))
}

// ByteTimeout returns the inter byte timeout
func (sf *timeouts) ByteTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&sf.inter))
}

// frameClock tracks the deadlines while one frame is assembled.
// Until the first byte the response timeout applies. Afterwards each gap
// is bounded by the byte timeout, or by the response deadline when the
// byte timeout is 0.
type frameClock struct {
	responseDeadline time.Time
	byteTimeout      time.Duration
	lastByte         time.Time
	started          bool
}

func (sf *timeouts) newFrameClock() *frameClock {
	c := &frameClock{byteTimeout: sf.ByteTimeout()}
	if rt := sf.ResponseTimeout(); rt > 0 {
		c.responseDeadline = time.Now().Add(rt)
	}
	return c
}

// deadline returns when the next read must be done by, the zero time
// meaning never, and the error reported once it has passed.
func (c *frameClock) deadline() (time.Time, error) {
	if !c.started {
		return c.responseDeadline, ErrResponseTimeout
	}
	if c.byteTimeout > 0 {
		return c.lastByte.Add(c.byteTimeout), ErrByteTimeout
	}
	return c.responseDeadline, ErrResponseTimeout
}

// progress records that n bytes arrived.
func (c *frameClock) progress(n int) {
	if n > 0 {
		c.started = true
		c.lastByte = time.Now()
	}
}

// splitDuration splits d into whole seconds and microseconds.
func splitDuration(d time.Duration) (sec, usec uint32) {
	sec = uint32(d / time.Second)
	usec = uint32((d % time.Second) / time.Microsecond)
	return
}

// joinDuration builds a duration from seconds and microseconds.
func joinDuration(sec, usec uint32) time.Duration {
	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
}

package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/goburrow/serial"
)

// scriptTransport answers each sent request with the next scripted step.
type scriptTransport struct {
	*TCPTransport
	steps    []func(request []byte) ([]byte, error)
	last     []byte
	sent     int
	connects int
	closes   int
	flushes  int
}

func newScriptTransport(steps ...func(request []byte) ([]byte, error)) *scriptTransport {
	t := &scriptTransport{TCPTransport: NewTCPTransport("fake:502"), steps: steps}
	t.SetResponseTimeout(time.Millisecond)
	return t
}

func (sf *scriptTransport) Connect() error    { sf.connects++; return nil }
func (sf *scriptTransport) IsConnected() bool { return true }
func (sf *scriptTransport) Close() error      { sf.closes++; return nil }
func (sf *scriptTransport) Flush() error      { sf.flushes++; return nil }

func (sf *scriptTransport) Send(adu []byte) (int, error) {
	sf.last = append([]byte(nil), adu...)
	sf.sent++
	return len(adu), nil
}

func (sf *scriptTransport) Receive(MessageType, int) ([]byte, error) {
	i := sf.sent - 1
	if i >= len(sf.steps) {
		i = len(sf.steps) - 1
	}
	return sf.steps[i](sf.last)
}

// replyWith answers with pdu under the request header.
func replyWith(funcCode byte, data ...byte) func([]byte) ([]byte, error) {
	return func(request []byte) ([]byte, error) {
		return encodeTCPFrame(nil, binary.BigEndian.Uint16(request), request[6], ProtocolDataUnit{funcCode, data})
	}
}

// wrongTransaction answers under a transaction id that does not match.
func wrongTransaction(request []byte) ([]byte, error) {
	return encodeTCPFrame(nil, binary.BigEndian.Uint16(request)+1, request[6], ProtocolDataUnit{FuncCodeWriteSingleRegister, request[8:12]})
}

// olderTransaction answers under the transaction id of the previous request.
func olderTransaction(request []byte) ([]byte, error) {
	return encodeTCPFrame(nil, binary.BigEndian.Uint16(request)-1, request[6], ProtocolDataUnit{FuncCodeWriteSingleRegister, request[8:12]})
}

func failWith(err error) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) { return nil, err }
}

func TestConn_recovery(t *testing.T) {
	linkDown := failWith(&TransportError{"receive", io.EOF})
	timeout := failWith(&TransportError{"receive", ErrResponseTimeout})
	echo := replyWith(FuncCodeWriteSingleRegister, 0x00, 0x01, 0x00, 0x02)
	tests := []struct {
		name         string
		mode         ErrorRecoveryMode
		steps        []func([]byte) ([]byte, error)
		wantErr      error
		wantSent     int
		wantConnects int
	}{
		{"none invalid", RecoveryNone, []func([]byte) ([]byte, error){wrongTransaction, echo}, ErrInvalidResponse, 1, 0},
		{"protocol replays invalid", RecoveryProtocol, []func([]byte) ([]byte, error){wrongTransaction, echo}, nil, 2, 0},
		{"protocol ignores link", RecoveryProtocol, []func([]byte) ([]byte, error){linkDown, echo}, io.EOF, 1, 0},
		{"link reconnects", RecoveryLink, []func([]byte) ([]byte, error){linkDown, echo}, nil, 2, 1},
		{"link flushes on timeout", RecoveryLink, []func([]byte) ([]byte, error){timeout, echo}, nil, 2, 0},
		{"link ignores invalid", RecoveryLink, []func([]byte) ([]byte, error){wrongTransaction, echo}, ErrInvalidResponse, 1, 0},
		{"both modes", RecoveryLink | RecoveryProtocol, []func([]byte) ([]byte, error){linkDown, wrongTransaction, echo}, nil, 3, 1},
		{"bounded attempts", RecoveryLink, []func([]byte) ([]byte, error){linkDown}, io.EOF, DefaultRecoveryAttempts + 1, DefaultRecoveryAttempts},
		{"exception never replayed", RecoveryLink | RecoveryProtocol,
			[]func([]byte) ([]byte, error){replyWith(FuncCodeWriteSingleRegister|exceptionFlag, ExceptionCodeServerDeviceBusy), echo},
			FromExceptionCode(ExceptionCodeServerDeviceBusy), 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newScriptTransport(tt.steps...)
			c := NewConn(tr, WithErrorRecovery(tt.mode))
			err := c.WriteRegister(1, 2)
			if tt.wantErr == nil && err != nil || tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("WriteRegister() error = %v, want %v", err, tt.wantErr)
			}
			if tr.sent != tt.wantSent {
				t.Errorf("sent = %d, want %d", tr.sent, tt.wantSent)
			}
			if tr.connects != tt.wantConnects {
				t.Errorf("connects = %d, want %d", tr.connects, tt.wantConnects)
			}
		})
	}
}

func TestConn_timeoutLeavesConnUsable(t *testing.T) {
	tr := newScriptTransport(
		failWith(&TransportError{"receive", ErrResponseTimeout}),
		replyWith(FuncCodeWriteSingleRegister, 0x00, 0x01, 0x00, 0x02),
	)
	c := NewConn(tr)
	if err := c.WriteRegister(1, 2); !IsTimeout(err) {
		t.Fatalf("WriteRegister() error = %v, want timeout", err)
	}
	if tr.flushes != 0 {
		t.Errorf("flushes = %d before the next request, want 0", tr.flushes)
	}
	if err := c.WriteRegister(1, 2); err != nil {
		t.Fatalf("WriteRegister() after timeout error = %v", err)
	}
	if tr.flushes != 1 {
		t.Errorf("flushes = %d, want 1", tr.flushes)
	}
	// no timeout, no flush
	tr.steps = append(tr.steps, replyWith(FuncCodeWriteSingleRegister, 0x00, 0x01, 0x00, 0x02))
	if err := c.WriteRegister(1, 2); err != nil {
		t.Fatal(err)
	}
	if tr.flushes != 1 {
		t.Errorf("flushes = %d, want 1", tr.flushes)
	}
}

func TestConn_staleRepliesBounded(t *testing.T) {
	tr := newScriptTransport(olderTransaction)
	c := NewConn(tr)
	start := time.Now()
	if err := c.WriteRegister(1, 2); !IsTimeout(err) || !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("WriteRegister() error = %v, want response timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WriteRegister() took %v", elapsed)
	}
	if tr.sent != 1 {
		t.Errorf("sent = %d, want 1", tr.sent)
	}
}

func TestConn_shortDelivery(t *testing.T) {
	tests := []struct {
		name    string
		reply   func([]byte) ([]byte, error)
		read    func(c *Conn) (interface{}, error)
		want    interface{}
		wantErr error
	}{
		{"registers trimmed",
			replyWith(FuncCodeReadHoldingRegisters, 0x04, 0x00, 0x01, 0x00, 0x02),
			func(c *Conn) (interface{}, error) { return c.ReadRegisters(0, 3) },
			[]uint16{1, 2}, nil},
		{"registers over delivered",
			replyWith(FuncCodeReadHoldingRegisters, 0x04, 0x00, 0x01, 0x00, 0x02),
			func(c *Conn) (interface{}, error) { return c.ReadRegisters(0, 1) },
			nil, ErrInvalidResponse},
		{"registers odd byte count",
			replyWith(FuncCodeReadInputRegisters, 0x03, 0x00, 0x01, 0x00),
			func(c *Conn) (interface{}, error) { return c.ReadInputRegisters(0, 2) },
			nil, ErrInvalidResponse},
		{"bits trimmed to delivered bytes",
			replyWith(FuncCodeReadCoils, 0x01, 0x81),
			func(c *Conn) (interface{}, error) { return c.ReadBits(0, 10) },
			[]byte{1, 0, 0, 0, 0, 0, 0, 1}, nil},
		{"bits exact",
			replyWith(FuncCodeReadDiscreteInputs, 0x01, 0x05),
			func(c *Conn) (interface{}, error) { return c.ReadInputBits(0, 3) },
			[]byte{1, 0, 1}, nil},
		{"bits over delivered",
			replyWith(FuncCodeReadCoils, 0x02, 0xff, 0xff),
			func(c *Conn) (interface{}, error) { return c.ReadBits(0, 8) },
			nil, ErrInvalidResponse},
		{"byte count mismatch",
			replyWith(FuncCodeReadCoils, 0x02, 0xff),
			func(c *Conn) (interface{}, error) { return c.ReadBits(0, 16) },
			nil, ErrInvalidResponse},
		{"function code mismatch",
			replyWith(FuncCodeReadInputRegisters, 0x02, 0x00, 0x01),
			func(c *Conn) (interface{}, error) { return c.ReadRegisters(0, 1) },
			nil, ErrInvalidResponse},
		{"write and read trimmed",
			replyWith(FuncCodeReadWriteMultipleRegisters, 0x02, 0x00, 0x07),
			func(c *Conn) (interface{}, error) { return c.WriteAndReadRegisters(0, []uint16{1}, 0, 2) },
			[]uint16{7}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(newScriptTransport(tt.reply))
			got, err := tt.read(c)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestConn_writeEcho(t *testing.T) {
	tests := []struct {
		name    string
		reply   func([]byte) ([]byte, error)
		write   func(c *Conn) error
		wantErr bool
	}{
		{"write bit", replyWith(FuncCodeWriteSingleCoil, 0x00, 0x03, 0xff, 0x00),
			func(c *Conn) error { return c.WriteBit(3, true) }, false},
		{"write bit wrong value", replyWith(FuncCodeWriteSingleCoil, 0x00, 0x03, 0x00, 0x00),
			func(c *Conn) error { return c.WriteBit(3, true) }, true},
		{"write bits", replyWith(FuncCodeWriteMultipleCoils, 0x00, 0x00, 0x00, 0x0a),
			func(c *Conn) error { return c.WriteBits(0, make([]byte, 10)) }, false},
		{"write bits wrong quantity", replyWith(FuncCodeWriteMultipleCoils, 0x00, 0x00, 0x00, 0x09),
			func(c *Conn) error { return c.WriteBits(0, make([]byte, 10)) }, true},
		{"write registers", replyWith(FuncCodeWriteMultipleRegisters, 0x00, 0x05, 0x00, 0x02),
			func(c *Conn) error { return c.WriteRegisters(5, []uint16{1, 2}) }, false},
		{"write registers short reply", replyWith(FuncCodeWriteMultipleRegisters, 0x00, 0x05),
			func(c *Conn) error { return c.WriteRegisters(5, []uint16{1, 2}) }, true},
		{"mask write", replyWith(FuncCodeMaskWriteRegister, 0x00, 0x04, 0x00, 0xf2, 0x00, 0x25),
			func(c *Conn) error { return c.MaskWriteRegister(4, 0xf2, 0x25) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(newScriptTransport(tt.reply))
			if err := tt.write(c); (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConn_quantityLimits(t *testing.T) {
	tr := newScriptTransport(failWith(errors.New("must not be sent")))
	c := NewConn(tr)
	tests := []struct {
		name string
		call func() error
	}{
		{"read bits 0", func() error { _, err := c.ReadBits(0, 0); return err }},
		{"read bits 2001", func() error { _, err := c.ReadBits(0, 2001); return err }},
		{"read input bits 2001", func() error { _, err := c.ReadInputBits(0, 2001); return err }},
		{"read registers 126", func() error { _, err := c.ReadRegisters(0, 126); return err }},
		{"read input registers 0", func() error { _, err := c.ReadInputRegisters(0, 0); return err }},
		{"write bits 1969", func() error { return c.WriteBits(0, make([]byte, 1969)) }},
		{"write bits empty", func() error { return c.WriteBits(0, nil) }},
		{"write registers 124", func() error { return c.WriteRegisters(0, make([]uint16, 124)) }},
		{"write and read 122 writes", func() error { _, err := c.WriteAndReadRegisters(0, make([]uint16, 122), 0, 1); return err }},
		{"write and read 126 reads", func() error { _, err := c.WriteAndReadRegisters(0, []uint16{1}, 0, 126); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !IsException(err, KindIllegalDataValue) {
				t.Errorf("error = %v, want illegal data value", err)
			}
		})
	}
	if tr.sent != 0 {
		t.Errorf("sent = %d, want 0", tr.sent)
	}
}

func TestConn_settings(t *testing.T) {
	tcp := NewTCP("127.0.0.1:502")
	if tcp.Slave() != AddressTCPDefault {
		t.Errorf("tcp Slave() = %v, want %v", tcp.Slave(), AddressTCPDefault)
	}
	if err := tcp.SetSlave(AddressTCPDefault); err != nil {
		t.Errorf("SetSlave(0xff) on tcp error = %v", err)
	}
	if err := tcp.SetSlave(248); !IsException(err, KindIllegalDataValue) {
		t.Errorf("SetSlave(248) error = %v, want illegal data value", err)
	}

	rtu := NewRTU(serial.Config{Address: "/dev/null"}, WithSlave(17), WithRecoveryAttempts(10))
	if rtu.Slave() != 17 {
		t.Errorf("rtu Slave() = %v, want 17", rtu.Slave())
	}
	if err := rtu.SetSlave(AddressTCPDefault); err == nil {
		t.Error("SetSlave(0xff) on rtu succeeded")
	}
	if rtu.RecoveryAttempts() != MaxRecoveryAttempts {
		t.Errorf("RecoveryAttempts() = %v, want %v", rtu.RecoveryAttempts(), MaxRecoveryAttempts)
	}
	if err := rtu.SetErrorRecovery(1 << 5); err == nil {
		t.Error("SetErrorRecovery(unknown) succeeded")
	}

	if err := tcp.SetResponseTimeoutSplit(2, 500000); err != nil {
		t.Fatal(err)
	}
	if tcp.ResponseTimeout() != 2500*time.Millisecond {
		t.Errorf("ResponseTimeout() = %v, want 2.5s", tcp.ResponseTimeout())
	}
	if sec, usec := tcp.ResponseTimeoutSplit(); sec != 2 || usec != 500000 {
		t.Errorf("ResponseTimeoutSplit() = %v, %v", sec, usec)
	}
	if err := tcp.SetByteTimeoutSplit(0, 1000000); err == nil {
		t.Error("SetByteTimeoutSplit(0, 1000000) succeeded")
	}
	if err := tcp.SetByteTimeoutSplit(0, 0); err != nil {
		t.Fatal(err)
	}
	if sec, usec := tcp.ByteTimeoutSplit(); sec != 0 || usec != 0 {
		t.Errorf("ByteTimeoutSplit() = %v, %v", sec, usec)
	}
	tcp.SetResponseTimeout(-time.Second)
	if tcp.ResponseTimeout() != 0 {
		t.Errorf("negative ResponseTimeout() = %v, want 0", tcp.ResponseTimeout())
	}

	tcp.SetDebug(true)
	if !tcp.Debug() {
		t.Error("Debug() = false after SetDebug(true)")
	}
	tcp.SetDebug(false)

	if err := rtu.Listen(1); !errors.Is(err, ErrUnimplemented) {
		t.Errorf("rtu Listen() error = %v, want unimplemented", err)
	}
	if _, err := rtu.Accept(); !errors.Is(err, ErrUnimplemented) {
		t.Errorf("rtu Accept() error = %v, want unimplemented", err)
	}
	if err := tcp.SetSerialMode(SerialRS485); !errors.Is(err, ErrUnimplemented) {
		t.Errorf("tcp SetSerialMode() error = %v, want unimplemented", err)
	}
	if _, err := tcp.SerialMode(); !errors.Is(err, ErrUnimplemented) {
		t.Errorf("tcp SerialMode() error = %v, want unimplemented", err)
	}
	if mode, err := rtu.SerialMode(); err != nil || mode != SerialRS232 {
		t.Errorf("rtu SerialMode() = %v, %v", mode, err)
	}
}

func TestConn_ReportSlaveID(t *testing.T) {
	c := NewConn(newScriptTransport(replyWith(FuncCodeOtherReportSlaveID, 0x03, 0x2a, 0xff, 0x01)))
	id, err := c.ReportSlaveID()
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x2a, 0xff, 0x01}; !reflect.DeepEqual(id, want) {
		t.Errorf("ReportSlaveID() = % x, want % x", id, want)
	}

	c = NewConn(newScriptTransport(replyWith(FuncCodeOtherReportSlaveID, 0x05, 0x2a)))
	if _, err = c.ReportSlaveID(); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("ReportSlaveID() error = %v, want invalid response", err)
	}
}

func TestConn_SendRawRequest(t *testing.T) {
	tr := newScriptTransport(replyWith(0x41, 0x01))
	c := NewConn(tr)
	if _, err := c.SendRawRequest([]byte{0x01}); !IsException(err, KindIllegalDataValue) {
		t.Errorf("SendRawRequest(short) error = %v, want illegal data value", err)
	}
	n, err := c.SendRawRequest([]byte{0x07, 0x41, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	if n != tcpHeaderMbapSize+2 {
		t.Errorf("SendRawRequest() = %v, want %v", n, tcpHeaderMbapSize+2)
	}
	if tr.last[6] != 0x07 || tr.last[7] != 0x41 {
		t.Errorf("sent % x", tr.last)
	}
	reply, err := c.ReceiveConfirmation(0)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x41, 0x01}; !reflect.DeepEqual(reply[c.HeaderLength():], want) {
		t.Errorf("ReceiveConfirmation() = % x", reply)
	}
	if c.MaxADULength() != tcpAduMaxSize {
		t.Errorf("MaxADULength() = %v, want %v", c.MaxADULength(), tcpAduMaxSize)
	}

	rtu := NewRTU(serial.Config{})
	if rtu.HeaderLength() != 1 || rtu.MaxADULength() != rtuAduMaxSize {
		t.Errorf("rtu HeaderLength() = %v, MaxADULength() = %v", rtu.HeaderLength(), rtu.MaxADULength())
	}
}

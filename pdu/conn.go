package pdu

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
	"github.com/caio-sobreiro/dicomdul/types"
)

// Conn wraps one accepted or dialed socket with PDU framing. Reads and
// writes may run concurrently with Close; Close unblocks a pending ReadPDU.
type Conn struct {
	nc net.Conn

	mu     sync.Mutex
	closed bool
}

// NewConn wraps nc. The caller keeps responsibility for any deadlines.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// ReadPDU blocks until a complete framed PDU arrives, the connection closes,
// or an error occurs. A type code outside the upper-layer range is returned
// together with an UnrecognizedPDUError; the caller decides how to react.
func (c *Conn) ReadPDU() (*RawPDU, error) {
	raw, err := ReadRaw(c.nc)
	if err != nil {
		return nil, err
	}
	if !types.IsKnownPDUType(raw.Type) {
		return raw, &dicomerr.UnrecognizedPDUError{PDUType: raw.Type}
	}
	return raw, nil
}

// WritePDU sends exactly one framed PDU with a zero reserved byte.
func (c *Conn) WritePDU(pduType byte, payload []byte) error {
	return WriteRaw(c.nc, &RawPDU{Type: pduType, Data: payload})
}

// Close tears the socket down immediately, discarding unsent buffered data.
// DICOM Part 8, Section 9.1.4 mandates the "don't linger" option on close,
// so this is not configurable. Close is idempotent and safe to call while a
// ReadPDU is blocked; the read returns with an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if tc, ok := tcpConn(c.nc); ok {
		// Ignore the error: the option is best effort on an already
		// failed socket.
		_ = tc.SetLinger(0)
	}
	return c.nc.Close()
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// tcpConn unwraps nc far enough to reach the underlying *net.TCPConn, if
// there is one. TLS connections expose theirs through NetConn.
func tcpConn(nc net.Conn) (*net.TCPConn, bool) {
	switch v := nc.(type) {
	case *net.TCPConn:
		return v, true
	case *tls.Conn:
		return tcpConn(v.NetConn())
	default:
		return nil, false
	}
}

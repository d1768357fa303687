// Package pdu implements the framing and the codec for the seven DICOM
// Upper Layer Protocol Data Units (DICOM Part 8, Section 9.3). The
// association engine consumes it through Encode/Decode entry points and the
// framed Conn; it never interprets payload bytes beyond the 6-byte header.
package pdu

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
)

// HeaderLength is the fixed size of the PDU header: one type byte, one
// reserved byte and a 4-byte big-endian payload length.
const HeaderLength = 6

// RawPDU is one framed message as it appears on the wire.
type RawPDU struct {
	Type     byte
	Reserved byte
	Data     []byte
}

// ReadRaw reads exactly one framed PDU from r. A stream that ends inside the
// header or the payload yields a FramingError; a clean EOF before the first
// header byte yields io.EOF unchanged so callers can tell the peer closed
// between messages.
func ReadRaw(r io.Reader) (*RawPDU, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		switch {
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, dicomerr.NewFramingError("stream truncated inside PDU header", err)
		default:
			return nil, dicomerr.NewTransportError("read PDU header", err)
		}
	}

	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, dicomerr.NewFramingError("stream truncated inside PDU payload", err)
		}
		return nil, dicomerr.NewTransportError("read PDU payload", err)
	}

	return &RawPDU{
		Type:     header[0],
		Reserved: header[1],
		Data:     data,
	}, nil
}

// WriteRaw writes exactly one framed PDU to w.
func WriteRaw(w io.Writer, p *RawPDU) error {
	buf := make([]byte, 0, HeaderLength+len(p.Data))
	buf = append(buf, p.Type, p.Reserved)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)

	if _, err := w.Write(buf); err != nil {
		return dicomerr.NewTransportError("write PDU", err)
	}
	return nil
}

package pdu

import (
	"fmt"

	"github.com/caio-sobreiro/dicomdul/dicomerr"
)

// A-ABORT source values (DICOM Part 8, Section 9.3.8).
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02
)

// A-ABORT reason values, meaningful only for the service-provider source.
const (
	AbortReasonNotSpecified    byte = 0x00
	AbortReasonUnrecognizedPDU byte = 0x01
	AbortReasonUnexpectedPDU   byte = 0x02
	AbortReasonInvalidPDUParam byte = 0x06
)

// AssociateRJ is the decoded form of an A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result dicomerr.RejectResult
	Source dicomerr.RejectSource
	Reason dicomerr.RejectReason
}

// Encode serializes the reject into its fixed 4-byte payload.
func (rj *AssociateRJ) Encode() []byte {
	return []byte{0x00, byte(rj.Result), byte(rj.Source), byte(rj.Reason)}
}

// DecodeAssociateRJ parses A-ASSOCIATE-RJ payload bytes.
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("A-ASSOCIATE-RJ payload has %d bytes, want 4", len(data))
	}
	return &AssociateRJ{
		Result: dicomerr.RejectResult(data[1]),
		Source: dicomerr.RejectSource(data[2]),
		Reason: dicomerr.RejectReason(data[3]),
	}, nil
}

// Abort is the decoded form of an A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

// Encode serializes the abort into its fixed 4-byte payload.
func (a *Abort) Encode() []byte {
	return []byte{0x00, 0x00, a.Source, a.Reason}
}

// DecodeAbort parses A-ABORT payload bytes.
func DecodeAbort(data []byte) (*Abort, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("A-ABORT payload has %d bytes, want 4", len(data))
	}
	return &Abort{Source: data[2], Reason: data[3]}, nil
}

// EncodeRelease returns the payload shared by A-RELEASE-RQ and A-RELEASE-RP:
// four reserved bytes.
func EncodeRelease() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// Package dicomerr provides the typed errors raised by the upper-layer
// association engine.
package dicomerr

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	ErrConnectionClosed   = errors.New("dicom: connection closed")
	ErrServiceShutdown    = errors.New("dicom: transport service shut down")
	ErrAssociationAborted = errors.New("dicom: association aborted")
	ErrNotEstablished     = errors.New("dicom: association not established")
)

// FramingError reports a malformed PDU header or a stream truncated inside a
// PDU. It is always fatal to the connection that produced it.
type FramingError struct {
	Msg string
	Err error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("framing error: %s", e.Msg)
}

func (e *FramingError) Unwrap() error { return e.Err }

// NewFramingError creates a new framing error wrapping err.
func NewFramingError(msg string, err error) *FramingError {
	return &FramingError{Msg: msg, Err: err}
}

// UnrecognizedPDUError reports a PDU whose type code is outside the range the
// upper-layer protocol defines. The state machine decides how to react,
// typically with a local abort.
type UnrecognizedPDUError struct {
	PDUType byte
}

func (e *UnrecognizedPDUError) Error() string {
	return fmt.Sprintf("unrecognized PDU type: 0x%02X", e.PDUType)
}

// RejectResult is the result field of an A-ASSOCIATE-RJ.
type RejectResult byte

const (
	RejectedPermanent RejectResult = 0x01
	RejectedTransient RejectResult = 0x02
)

func (r RejectResult) String() string {
	switch r {
	case RejectedPermanent:
		return "rejected-permanent"
	case RejectedTransient:
		return "rejected-transient"
	default:
		return "unknown"
	}
}

// RejectSource is the source field of an A-ASSOCIATE-RJ.
type RejectSource byte

const (
	RejectSourceServiceUser         RejectSource = 0x01
	RejectSourceServiceProviderACSE RejectSource = 0x02
	RejectSourceServiceProviderPres RejectSource = 0x03
)

func (s RejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider-acse"
	case RejectSourceServiceProviderPres:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

// RejectReason is the reason field of an A-ASSOCIATE-RJ. The meaning of the
// raw value depends on the source; these are the service-user values.
type RejectReason byte

const (
	RejectReasonNoReasonGiven                  RejectReason = 0x01
	RejectReasonApplicationContextNotSupported RejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    RejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     RejectReason = 0x07
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectedError reports that the peer (or the local negotiator)
// refused an association with an A-ASSOCIATE-RJ.
type AssociationRejectedError struct {
	Result RejectResult
	Source RejectSource
	Reason RejectReason
}

func (e *AssociationRejectedError) Error() string {
	return fmt.Sprintf("association rejected: %s (source: %s, reason: %s)",
		e.Result, e.Source, e.Reason)
}

// NewAssociationRejectedError creates a new association rejection error.
func NewAssociationRejectedError(result RejectResult, source RejectSource, reason RejectReason) *AssociationRejectedError {
	return &AssociationRejectedError{Result: result, Source: source, Reason: reason}
}

// NegotiationError reports that no requested presentation context could be
// accepted, or that identity verification failed. It maps to a reject
// message, never an abort.
type NegotiationError struct {
	Msg string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed: %s", e.Msg)
}

// AbortError reports an A-ABORT PDU, sent or received.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case 0x00:
		source = "service-user"
	case 0x02:
		source = "service-provider"
	}
	return fmt.Sprintf("association aborted by %s (reason: 0x%02X)", source, e.Reason)
}

// NewAbortError creates a new abort error.
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{Source: source, Reason: reason}
}

// TransportError reports a socket-level failure (reset, refused, timeout).
// The core never retries these; retry policy belongs to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError creates a new transport error.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

package dul

import "github.com/caio-sobreiro/dicomdul/pdu"

// State is one of the DICOM Upper Layer state machine states this engine
// implements (DICOM Part 8, Section 9.2.1; Sta numbers kept for reference).
type State int

const (
	// StateIdle - Sta1, no association and no transport connection.
	StateIdle State = iota

	// StateAwaitingTransportOpen - Sta4, requestor waiting for the active
	// open to complete.
	StateAwaitingTransportOpen

	// StateAwaitingAssociateRQ - Sta2, acceptor holding an open transport
	// connection and waiting for A-ASSOCIATE-RQ under the ARTIM timer.
	StateAwaitingAssociateRQ

	// StateAwaitingAssociateResponse - Sta5, requestor waiting for
	// A-ASSOCIATE-AC or -RJ.
	StateAwaitingAssociateResponse

	// StateEstablished - Sta6, association established, data transfer
	// possible.
	StateEstablished

	// StateAwaitingReleaseResponse - Sta7, local release requested,
	// waiting for A-RELEASE-RP.
	StateAwaitingReleaseResponse

	// StateAwaitingTransportClose - Sta13, an abort or reject has been
	// written and the machine waits for the peer to close, bounded by the
	// ARTIM timer.
	StateAwaitingTransportClose
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTransportOpen:
		return "awaiting-transport-open"
	case StateAwaitingAssociateRQ:
		return "awaiting-associate-rq"
	case StateAwaitingAssociateResponse:
		return "awaiting-associate-response"
	case StateEstablished:
		return "established"
	case StateAwaitingReleaseResponse:
		return "awaiting-release-response"
	case StateAwaitingTransportClose:
		return "awaiting-transport-close"
	default:
		return "unknown"
	}
}

// Role says which side of the association this machine plays.
type Role int

const (
	RoleRequestor Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "requestor"
}

// CloseReason says why an association ended. It is reported through the
// transport service's connection-closed callback.
type CloseReason int

const (
	// ReasonNone means the association has not ended yet.
	ReasonNone CloseReason = iota

	// ReasonReleased - orderly release completed.
	ReasonReleased

	// ReasonRejected - association refused with A-ASSOCIATE-RJ.
	ReasonRejected

	// ReasonAbortedLocal - this side aborted.
	ReasonAbortedLocal

	// ReasonAbortedPeer - the peer sent A-ABORT.
	ReasonAbortedPeer

	// ReasonTimedOut - the ARTIM timer expired before the peer sent its
	// opening message.
	ReasonTimedOut

	// ReasonTransportError - the transport connection failed or the peer
	// vanished.
	ReasonTransportError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonReleased:
		return "released"
	case ReasonRejected:
		return "rejected"
	case ReasonAbortedLocal:
		return "aborted-local"
	case ReasonAbortedPeer:
		return "aborted-peer"
	case ReasonTimedOut:
		return "timed-out"
	case ReasonTransportError:
		return "transport-error"
	default:
		return "none"
	}
}

// event kinds delivered into a machine's event queue. Message arrival and
// timer expiry race on the same queue; the run loop is the single
// linearization point.
type eventKind int

const (
	evtTransportConfirmed eventKind = iota
	evtTransportFailed
	evtTransportClosed
	evtPDUReceived
	evtPDUError
	evtLocalRelease
	evtLocalAbort
	evtLocalData
)

type event struct {
	kind eventKind
	raw  *pdu.RawPDU
	conn *pdu.Conn
	err  error
	data []byte
}

package types

// PDU type codes defined by DICOM Part 8, Section 9.3
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// IsKnownPDUType reports whether b is one of the seven upper-layer PDU type
// codes. Anything else must be surfaced as an unrecognized-type condition,
// never silently dropped.
func IsKnownPDUType(b byte) bool {
	return b >= TypeAssociateRQ && b <= TypeAbort
}

// PDUTypeName returns a short human-readable name for a PDU type code.
func PDUTypeName(b byte) string {
	switch b {
	case TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case TypePDataTF:
		return "P-DATA-TF"
	case TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case TypeReleaseRP:
		return "A-RELEASE-RP"
	case TypeAbort:
		return "A-ABORT"
	default:
		return "UNKNOWN"
	}
}

// ContextResult is the result/reason field of a presentation context item in
// an A-ASSOCIATE-AC (DICOM Part 8, Section 9.3.3.2).
type ContextResult byte

const (
	ContextAccepted                     ContextResult = 0x00
	ContextUserRejected                 ContextResult = 0x01
	ContextNoReason                     ContextResult = 0x02
	ContextAbstractSyntaxNotSupported   ContextResult = 0x03
	ContextTransferSyntaxesNotSupported ContextResult = 0x04
)

func (r ContextResult) String() string {
	switch r {
	case ContextAccepted:
		return "acceptance"
	case ContextUserRejected:
		return "user-rejection"
	case ContextNoReason:
		return "no-reason"
	case ContextAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ContextTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return "unknown"
	}
}

// Accepted reports whether the context was accepted by the negotiation.
func (r ContextResult) Accepted() bool {
	return r == ContextAccepted
}

// UserIdentityType is the type field of a User Identity sub-item
// (DICOM Part 7, Annex D.3.3.7).
type UserIdentityType byte

const (
	IdentityUsername         UserIdentityType = 1
	IdentityUsernamePasscode UserIdentityType = 2
	IdentityKerberos         UserIdentityType = 3
	IdentitySAML             UserIdentityType = 4
)

func (t UserIdentityType) String() string {
	switch t {
	case IdentityUsername:
		return "username"
	case IdentityUsernamePasscode:
		return "username-passcode"
	case IdentityKerberos:
		return "kerberos"
	case IdentitySAML:
		return "saml"
	default:
		return "unknown"
	}
}

// DefaultMaxPDULength is the maximum PDU length offered when the caller does
// not specify one.
const DefaultMaxPDULength uint32 = 16384
